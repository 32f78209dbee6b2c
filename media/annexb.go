package media

import (
	"bytes"
	"errors"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const readChunk = 64 * 1024

var startCode = []byte{0, 0, 1}

// AccessUnitReader splits a live Annex-B H.264 byte stream into access
// units. An access unit is returned once the first NAL unit of the next one
// has been seen, or when the stream ends.
type AccessUnitReader struct {
	r   io.Reader
	buf []byte
	eof bool

	// access unit being assembled
	pending    [][]byte
	pendingVCL bool
}

func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	return &AccessUnitReader{r: r}
}

// Next returns the NAL units of the next access unit, without start codes.
// io.EOF is returned after the last access unit.
func (ar *AccessUnitReader) Next() ([][]byte, error) {
	for {
		nalu, err := ar.nextNALU()
		if err == io.EOF {
			if len(ar.pending) == 0 {
				return nil, io.EOF
			}
			au := ar.pending
			ar.pending, ar.pendingVCL = nil, false
			return au, nil
		}
		if err != nil {
			return nil, err
		}
		if len(nalu) == 0 {
			continue
		}
		if ar.pendingVCL && startsAccessUnit(nalu) {
			au := ar.pending
			ar.pending = [][]byte{nalu}
			ar.pendingVCL = isVCL(nalu)
			return au, nil
		}
		ar.pending = append(ar.pending, nalu)
		if isVCL(nalu) {
			ar.pendingVCL = true
		}
	}
}

func (ar *AccessUnitReader) fill() error {
	if ar.eof {
		return io.EOF
	}
	if len(ar.buf)+readChunk > cap(ar.buf) {
		nb := make([]byte, len(ar.buf), 2*cap(ar.buf)+readChunk)
		copy(nb, ar.buf)
		ar.buf = nb
	}
	n, err := ar.r.Read(ar.buf[len(ar.buf) : len(ar.buf)+readChunk])
	ar.buf = ar.buf[:len(ar.buf)+n]
	if err == io.EOF {
		ar.eof = true
		return nil
	}
	return err
}

func (ar *AccessUnitReader) nextNALU() ([]byte, error) {
	for {
		s := bytes.Index(ar.buf, startCode)
		if s >= 0 {
			if e := bytes.Index(ar.buf[s+3:], startCode); e >= 0 {
				nalu := copyNALU(ar.buf[s+3 : s+3+e])
				ar.buf = ar.buf[:copy(ar.buf, ar.buf[s+3+e:])]
				return nalu, nil
			}
		}
		if ar.eof {
			if s < 0 {
				ar.buf = ar.buf[:0]
				return nil, io.EOF
			}
			nalu := copyNALU(ar.buf[s+3:])
			ar.buf = ar.buf[:0]
			return nalu, nil
		}
		if err := ar.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			return nil, err
		}
	}
}

// copyNALU detaches a NAL unit from the read buffer, dropping the zero
// bytes that belong to a following four byte start code.
func copyNALU(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return append([]byte(nil), b...)
}

func isVCL(nalu []byte) bool {
	typ := h264.NALUType(nalu[0] & 0x1F)
	return typ == h264.NALUTypeNonIDR || typ == h264.NALUTypeIDR
}

func startsAccessUnit(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return true
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice == 0 is coded as a single set bit
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	typ := nalu[0] & 0x1F
	return typ >= 14 && typ <= 18
}

// ParameterSets returns the last SPS and PPS found in au.
func ParameterSets(au [][]byte) (sps, pps []byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}

// StripParameterSets removes access unit delimiters and parameter sets,
// which containers carry out of band.
func StripParameterSets(au [][]byte) [][]byte {
	out := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS:
			continue
		}
		out = append(out, nalu)
	}
	return out
}

// ValidateAccessUnit rejects access units a decoder cannot make sense of.
func ValidateAccessUnit(au [][]byte) error {
	if len(au) == 0 {
		return errors.New("empty access unit")
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			return errors.New("empty nal unit")
		}
		if nalu[0]&0x80 != 0 {
			return errors.New("forbidden_zero_bit set")
		}
	}
	return nil
}

// SPSGeometry parses the picture size out of a sequence parameter set.
func SPSGeometry(nalu []byte) (int, int, error) {
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return 0, 0, err
	}
	return sps.Width(), sps.Height(), nil
}
