package device

// Buffer is a block of device memory handed out by a Pool.
type Buffer struct {
	data     []byte
	size     uint64
	durable  bool
	released bool
	pool     *Pool
}

// Bytes returns the usable memory of the buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.data == nil {
		return nil
	}
	return b.data[:b.size]
}

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 {
	if b == nil {
		return 0
	}
	return b.size
}

// Release hands the buffer back to its pool. It is safe to call on a nil
// buffer and more than once.
func (b *Buffer) Release() {
	if b == nil || b.released || b.pool == nil {
		return
	}
	b.released = true
	b.pool.release(b)
}
