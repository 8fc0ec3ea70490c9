package runtime

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v14"
	"lukechampine.com/blake3"
)

// hostFunctionFuelCost is charged against the store's fuel budget on every
// granted host call, so a capsule cannot use host functions as a way to do
// unmetered work outside the Wasm interpreter loop.
const hostFunctionFuelCost = 10

// hostABI wires the capability-gated host functions into a wasmtime Linker
// for one execution. The buffer functions follow the same (ptr, len, ...)
// i32 calling convention: callers pass buffer pointers/lengths into guest
// linear memory and get back either a non-negative written length, or -1
// to signal failure (capability denied, buffer too small, bad input).
// hash_verify returns 1 or 0 instead of a length, time_now_ms returns an
// i64 millisecond count, and random_u32 returns the drawn value, which can
// itself be -1.
type hostABI struct {
	sandbox     *Sandbox
	store       *wasmtime.Store
	memory      *wasmtime.Memory
	prng        *prngStream
	fuelEnabled bool
}

// readMemory copies len bytes out of guest memory starting at ptr.
func (h *hostABI) readMemory(ptr, length int32) ([]byte, bool) {
	data := h.memory.UnsafeData(h.store)
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, data[ptr:int(ptr)+int(length)])
	return out, true
}

// writeMemory writes buf into guest memory at ptr, bounded by cap bytes.
// Returns false if buf does not fit.
func (h *hostABI) writeMemory(ptr, capLen int32, buf []byte) bool {
	if int32(len(buf)) > capLen {
		return false
	}
	data := h.memory.UnsafeData(h.store)
	if ptr < 0 || int(ptr)+len(buf) > len(data) {
		return false
	}
	copy(data[ptr:], buf)
	return true
}

const failureCode int32 = -1

// register adds every host function whose capability is granted by the
// sandbox to linker under the "env" module namespace. Functions whose
// capability was not granted are left unregistered entirely, so a capsule
// import resolution failure — not merely a runtime trap — is what a
// capsule sees when it reaches for a capability it was never given.
func (h *hostABI) register(linker *wasmtime.Linker) error {
	type reg struct {
		name string
		cap  Capability
		fn   interface{}
	}
	regs := []reg{
		{"hash_commit", CapHash, h.hashCommit},
		{"hash_verify", CapHash, h.hashVerify},
		{"json_path", CapJSON, h.jsonPath},
		{"json_extract", CapJSON, h.jsonExtract},
		{"base64_encode", CapBase64, h.base64Encode},
		{"base64_decode", CapBase64, h.base64Decode},
		{"time_now_ms", CapTime, h.timeNowMS},
		{"time_iso8601", CapTime, h.timeISO8601},
		{"random_bytes", CapRandom, h.randomBytes},
		{"random_u32", CapRandom, h.randomU32},
	}
	for _, r := range regs {
		if !h.sandbox.HasCapability(r.cap) {
			continue
		}
		if err := linker.FuncWrap("env", r.name, r.fn); err != nil {
			return err
		}
	}
	return nil
}

// guarded checks that fn is permitted under the sandbox's granted
// capabilities and, if so, charges it against the store's fuel budget. A
// call denied by the sandbox or one that exhausts fuel both report ok=false.
func (h *hostABI) guarded(fn string) (context map[string]string, ok bool) {
	if _, cerr := h.sandbox.ValidateHostFunctionCall(fn, nil); cerr != nil {
		return nil, false
	}
	if h.fuelEnabled {
		if _, err := h.store.ConsumeFuel(hostFunctionFuelCost); err != nil {
			return nil, false
		}
	}
	return nil, true
}

// hashCommit writes blake3(data[in_ptr:in_ptr+in_len]) (32 bytes) to
// out_ptr and returns 32, or -1 on denial/bad input.
func (h *hostABI) hashCommit(inPtr, inLen, outPtr int32) int32 {
	if _, ok := h.guarded("hash_commit"); !ok {
		return failureCode
	}
	data, ok := h.readMemory(inPtr, inLen)
	if !ok {
		return failureCode
	}
	sum := blake3.Sum256(data)
	if !h.writeMemory(outPtr, 32, sum[:]) {
		return failureCode
	}
	return 32
}

// hashVerify returns 1 if blake3(data) equals the 32 bytes at hashPtr, 0 if
// not, -1 on denial/bad input.
func (h *hostABI) hashVerify(dataPtr, dataLen, hashPtr int32) int32 {
	if _, ok := h.guarded("hash_verify"); !ok {
		return failureCode
	}
	data, ok := h.readMemory(dataPtr, dataLen)
	if !ok {
		return failureCode
	}
	want, ok := h.readMemory(hashPtr, 32)
	if !ok {
		return failureCode
	}
	got := blake3.Sum256(data)
	for i := range got {
		if got[i] != want[i] {
			return 0
		}
	}
	return 1
}

// jsonPath extracts the value addressed by a dotted path (e.g. "a.b.c")
// from a JSON document, writes its string form to outPtr, and returns the
// written length, or -1 on denial, malformed JSON, missing path, or an
// output buffer too small.
func (h *hostABI) jsonPath(jsonPtr, jsonLen, pathPtr, pathLen, outPtr, outCap int32) int32 {
	if _, ok := h.guarded("json_path"); !ok {
		return failureCode
	}
	return h.jsonLookup(jsonPtr, jsonLen, pathPtr, pathLen, outPtr, outCap, true)
}

// jsonExtract extracts a single top-level key from a JSON object.
func (h *hostABI) jsonExtract(jsonPtr, jsonLen, keyPtr, keyLen, outPtr, outCap int32) int32 {
	if _, ok := h.guarded("json_extract"); !ok {
		return failureCode
	}
	return h.jsonLookup(jsonPtr, jsonLen, keyPtr, keyLen, outPtr, outCap, false)
}

func (h *hostABI) jsonLookup(jsonPtr, jsonLen, pathPtr, pathLen, outPtr, outCap int32, dotted bool) int32 {
	raw, ok := h.readMemory(jsonPtr, jsonLen)
	if !ok {
		return failureCode
	}
	pathBytes, ok := h.readMemory(pathPtr, pathLen)
	if !ok {
		return failureCode
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return failureCode
	}
	segments := []string{string(pathBytes)}
	if dotted {
		segments = splitDotted(string(pathBytes))
	}
	cur := doc
	for _, seg := range segments {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return failureCode
		}
		cur, ok = obj[seg]
		if !ok {
			return failureCode
		}
	}
	out, err := stringifyJSONValue(cur)
	if err != nil {
		return failureCode
	}
	if !h.writeMemory(outPtr, outCap, out) {
		return failureCode
	}
	return int32(len(out))
}

func splitDotted(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func stringifyJSONValue(v interface{}) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// base64Encode standard-encodes the input buffer, writing the result to
// outPtr.
func (h *hostABI) base64Encode(inPtr, inLen, outPtr, outCap int32) int32 {
	if _, ok := h.guarded("base64_encode"); !ok {
		return failureCode
	}
	data, ok := h.readMemory(inPtr, inLen)
	if !ok {
		return failureCode
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if !h.writeMemory(outPtr, outCap, []byte(encoded)) {
		return failureCode
	}
	return int32(len(encoded))
}

// base64Decode standard-decodes the input buffer, writing the result to
// outPtr.
func (h *hostABI) base64Decode(inPtr, inLen, outPtr, outCap int32) int32 {
	if _, ok := h.guarded("base64_decode"); !ok {
		return failureCode
	}
	data, ok := h.readMemory(inPtr, inLen)
	if !ok {
		return failureCode
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return failureCode
	}
	if !h.writeMemory(outPtr, outCap, decoded) {
		return failureCode
	}
	return int32(len(decoded))
}

// timeNowMS returns the current wall-clock time in milliseconds since the
// Unix epoch. Of the built-in profiles only DevelopmentLimits grants the
// Time capability, since it makes execution outcomes depend on when they
// ran rather than solely on their input.
func (h *hostABI) timeNowMS() int64 {
	if _, ok := h.guarded("time_now_ms"); !ok {
		return int64(failureCode)
	}
	return now().UnixMilli()
}

func (h *hostABI) timeISO8601(outPtr, outCap int32) int32 {
	if _, ok := h.guarded("time_iso8601"); !ok {
		return failureCode
	}
	s := now().UTC().Format(time.RFC3339)
	if !h.writeMemory(outPtr, outCap, []byte(s)) {
		return failureCode
	}
	return int32(len(s))
}

// randomBytes fills length bytes at outPtr from the execution's
// deterministic PRNG keystream, seeded from (capsule_id, input_commit,
// nonce) so that replaying the same execution draws the same bytes.
func (h *hostABI) randomBytes(outPtr, length int32) int32 {
	if _, ok := h.guarded("random_bytes"); !ok {
		return failureCode
	}
	if length < 0 {
		return failureCode
	}
	buf := make([]byte, length)
	if err := h.prng.fillBytes(buf); err != nil {
		return failureCode
	}
	if !h.writeMemory(outPtr, length, buf) {
		return failureCode
	}
	return length
}

// randomU32 draws the next deterministic uint32 from the PRNG keystream,
// reinterpreted as an i32 for the Wasm ABI.
func (h *hostABI) randomU32() int32 {
	if _, ok := h.guarded("random_u32"); !ok {
		return failureCode
	}
	v, err := h.prng.nextU32()
	if err != nil {
		return failureCode
	}
	return int32(v)
}
