//go:build tinygo || wasm

package guest

import (
	"encoding/json"
	"os"
	"unsafe"
)

// Log forwards text to the host runtime via the imported host_log function.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Publish sends a message to the host bus if permitted by the manifest.
func Publish(subject string, payload []byte) bool {
	if len(subject) == 0 {
		return false
	}
	subjectBuf := []byte(subject)
	var payloadPtr unsafe.Pointer
	var payloadLen uint32
	if len(payload) > 0 {
		payloadPtr = unsafe.Pointer(&payload[0])
		payloadLen = uint32(len(payload))
	}
	code := hostPublish(unsafe.Pointer(&subjectBuf[0]), uint32(len(subjectBuf)), payloadPtr, payloadLen)
	return code == 0
}

// Action returns the requested action and decodes its parameters into v.
func Action(v any) (string, error) {
	action := os.Getenv("LOQA_AGENT_ACTION")
	raw := os.Getenv("LOQA_AGENT_PARAMS")
	if raw == "" || raw == "null" {
		return action, nil
	}
	return action, json.Unmarshal([]byte(raw), v)
}

// Succeed reports a successful result with data.
func Succeed(data map[string]any) {
	writeResult(map[string]any{"success": true, "data": data})
}

// Fail reports a failed result.
func Fail(kind, message string) {
	writeResult(map[string]any{"success": false, "error_kind": kind, "error_message": message})
}

func writeResult(v map[string]any) {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return
	}
	hostResult(unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_publish
func hostPublish(subjectPtr unsafe.Pointer, subjectLen uint32, payloadPtr unsafe.Pointer, payloadLen uint32) uint32

//go:wasmimport env host_result
func hostResult(ptr unsafe.Pointer, length uint32)
