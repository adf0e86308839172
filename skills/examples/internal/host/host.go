//go:build tinygo || wasm

// Package host is the guest side of the skill ABI: thin wrappers over the
// functions the assistant exports in the "env" module.
package host

import (
	"encoding/json"
	"os"
	"unsafe"
)

// Log forwards text to the host logger.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Publish sends a message on the bus. It reports false when the manifest
// does not grant the subject.
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

// Result hands the action result back to the assistant. JSON is passed
// through to the model as structured data; anything else is read as text.
func Result(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	return hostResult(unsafe.Pointer(&data[0]), uint32(len(data))) == 0
}

// ResultJSON encodes v and reports it as the action result.
func ResultJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		Log("encode result: " + err.Error())
		return false
	}
	return Result(data)
}

// Action returns the invoked action name and its arguments.
func Action() (string, map[string]any) {
	args := map[string]any{}
	if raw := os.Getenv("LOQA_ACTION_ARGS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			Log("decode action args: " + err.Error())
		}
	}
	return os.Getenv("LOQA_ACTION_NAME"), args
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_publish
func hostPublish(subjectPtr unsafe.Pointer, subjectLen uint32, payloadPtr unsafe.Pointer, payloadLen uint32) uint32

//go:wasmimport env host_result
func hostResult(ptr unsafe.Pointer, length uint32) uint32
