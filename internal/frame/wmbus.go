package frame

// wM-Bus link-layer geometry with dongle-stripped CRCs:
// L C M M A A A A VER TYPE CI ...
// so the shortest plausible telegram carries L >= 10.
const minWMBusLField = 10

// maxWMBusLField bounds the L-field; radio telegrams never reach the
// byte-value ceiling but a cap keeps garbage from stalling the stream.
const maxWMBusLField = 0xFE

// CheckWMBus locates a wM-Bus frame at the front of buf. The L-field is
// first; expected total length is L+1 for C1/T1 with CRCs already removed.
func CheckWMBus(buf []byte) Result {
	if len(buf) == 0 {
		return Result{Status: Partial}
	}
	l := int(buf[0])
	if l < minWMBusLField || l > maxWMBusLField {
		return Result{Status: Error}
	}
	total := l + 1
	if len(buf) < total {
		return Result{Status: Partial}
	}
	return Result{
		Status:        Full,
		FrameLen:      total,
		PayloadLen:    total,
		PayloadOffset: 0,
	}
}
