package httpx

import "unsafe"

type argsKV struct {
	key   []byte
	value []byte
}

func setArg(h []argsKV, key, value string) []argsKV {
	for i := range h {
		kv := &h[i]
		if key == b2s(kv.key) {
			kv.value = append(kv.value[:0], value...)
			return h
		}
	}
	return appendArg(h, key, value)
}

func appendArg(args []argsKV, key, value string) []argsKV {
	var kv *argsKV
	args, kv = allocArg(args)
	kv.key = append(kv.key[:0], key...)
	kv.value = append(kv.value[:0], value...)
	return args
}

// allocArg reuses the backing storage of previously released entries.
func allocArg(h []argsKV) ([]argsKV, *argsKV) {
	n := len(h)
	if cap(h) > n {
		h = h[:n+1]
	} else {
		h = append(h, argsKV{value: []byte{}})
	}
	return h, &h[n]
}

func peekArg(h []argsKV, k string) []byte {
	for i := range h {
		kv := &h[i]
		if b2s(kv.key) == k {
			return kv.value
		}
	}
	return nil
}

// b2s converts byte slice to a string without memory allocation.
func b2s(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}
