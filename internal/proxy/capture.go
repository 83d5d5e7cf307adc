package proxy

// limitedCapture keeps the first limit bytes written to it and discards the rest while
// still reporting full writes, so it can sit behind an io.TeeReader.
type limitedCapture struct {
	limit     int
	buf       []byte
	truncated bool
}

func newLimitedCapture(limit int) *limitedCapture {
	if limit <= 0 {
		return &limitedCapture{}
	}
	return &limitedCapture{limit: limit, buf: make([]byte, 0, min(limit, 16*1024))}
}

func (lc *limitedCapture) Write(p []byte) (int, error) {
	remain := lc.limit - len(lc.buf)
	if len(p) > remain {
		lc.truncated = true
		if remain > 0 {
			lc.buf = append(lc.buf, p[:remain]...)
		}
		return len(p), nil
	}
	lc.buf = append(lc.buf, p...)
	return len(p), nil
}

func (lc *limitedCapture) Bytes() []byte {
	return lc.buf
}

// Truncated reports whether anything was dropped.
func (lc *limitedCapture) Truncated() bool {
	return lc.truncated
}
