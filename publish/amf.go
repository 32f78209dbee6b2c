package publish

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	amfNumber    = 0x00
	amfBool      = 0x01
	amfString    = 0x02
	amfECMAArray = 0x08
	amfEnd       = 0x09
)

// amfProp is one key of an AMF0 ECMA array. Value is a float64, string or bool.
type amfProp struct {
	Key   string
	Value interface{}
}

// encodeScriptData writes an AMF0 string name followed by an ECMA array of
// props, in order. The returned map holds the offset of every number
// payload so it can be patched in place later.
func encodeScriptData(name string, props []amfProp) ([]byte, map[string]int, error) {
	var buf bytes.Buffer
	offsets := make(map[string]int)
	writeAMFString(&buf, name)
	buf.WriteByte(amfECMAArray)
	binary.Write(&buf, binary.BigEndian, uint32(len(props)))
	for _, p := range props {
		writeAMFKey(&buf, p.Key)
		switch v := p.Value.(type) {
		case float64:
			buf.WriteByte(amfNumber)
			offsets[p.Key] = buf.Len()
			binary.Write(&buf, binary.BigEndian, math.Float64bits(v))
		case int:
			buf.WriteByte(amfNumber)
			offsets[p.Key] = buf.Len()
			binary.Write(&buf, binary.BigEndian, math.Float64bits(float64(v)))
		case string:
			writeAMFString(&buf, v)
		case bool:
			buf.WriteByte(amfBool)
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		default:
			return nil, nil, fmt.Errorf("amf: unsupported value %T for %q", p.Value, p.Key)
		}
	}
	// empty key then object end marker
	buf.Write([]byte{0, 0, amfEnd})
	return buf.Bytes(), offsets, nil
}

func writeAMFKey(buf *bytes.Buffer, key string) {
	binary.Write(buf, binary.BigEndian, uint16(len(key)))
	buf.WriteString(key)
}

func writeAMFString(buf *bytes.Buffer, s string) {
	buf.WriteByte(amfString)
	writeAMFKey(buf, s)
}

func amfDouble(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}
