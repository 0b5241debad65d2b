//go:build !linux

package ringbuf

// New is unsupported outside Linux: there is no portable primitive
// here for "two virtual views of one backing object" that doesn't
// silently compromise the contiguous-read guarantee, so we fail
// loudly instead of falling back to a single-mapped, wrap-branching
// buffer.
func New(size int) (*Ring, error) {
	return nil, ErrUnsupportedPlatform
}
