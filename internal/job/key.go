package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ComputeKey derives the idempotency key for a submission.
//
// Params are canonicalized through encoding/json, which emits map keys in
// sorted order, so logically identical submissions hash identically
// regardless of construction order.
func ComputeKey(entrypoint string, params map[string]interface{}, planHash string) string {
	h := sha256.New()
	h.Write([]byte(entrypoint))
	h.Write([]byte{0})
	if len(params) > 0 {
		// Marshal errors only occur for unsupported value types; those
		// are rejected by validation before reaching here.
		canonical, err := json.Marshal(params)
		if err == nil {
			h.Write(canonical)
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(planHash))
	return hex.EncodeToString(h.Sum(nil))
}
