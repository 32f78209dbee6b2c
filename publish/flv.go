package publish

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/livepeer/joy4/av"
	"github.com/livepeer/joy4/codec/h264parser"
	"github.com/livepeer/joy4/format/flv"

	"github.com/livepeer/go-livecast/media"
)

const (
	flvHeaderSize    = 13 // file header plus the first PreviousTagSize
	flvTagHeaderSize = 11
	flvTagScript     = 18
	flvCodecAVC      = 7
)

// flvMuxer feeds AVCC packets to a joy4 muxer: an RTMP connection or an
// FLV file writer. File output additionally carries an onMetaData tag whose
// duration and filesize are patched by the trailer.
type flvMuxer struct {
	mux    av.Muxer
	closer io.Closer

	file    *os.File
	buf     *bufio.Writer
	patches map[string]int64
	frameMS float64

	started  bool
	firstPTS int64
	lastPTS  int64
}

func newFLVMuxer(mux av.Muxer, closer io.Closer) *flvMuxer {
	if closer == nil {
		closer, _ = mux.(io.Closer)
	}
	return &flvMuxer{mux: mux, closer: closer}
}

func newFLVFileMuxer(f *os.File) *flvMuxer {
	// joy4 writes its own file header, ours with the metadata tag goes first
	buf := bufio.NewWriter(f)
	fm := newFLVMuxer(flv.NewMuxer(&skipWriter{w: buf, skip: flvHeaderSize}), f)
	fm.file = f
	fm.buf = buf
	return fm
}

func (fm *flvMuxer) WriteHeader(opts HeaderOptions) error {
	codec, err := h264parser.NewCodecDataFromSPSAndPPS(opts.SPS, opts.PPS)
	if err != nil {
		return err
	}
	if fm.file != nil {
		if err := fm.writeFileHeader(opts); err != nil {
			return err
		}
	}
	return fm.mux.WriteHeader([]av.CodecData{codec})
}

func (fm *flvMuxer) writeFileHeader(opts HeaderOptions) error {
	d := opts.Descriptor
	props := []amfProp{
		{"width", float64(d.Width)},
		{"height", float64(d.Height)},
		{"videodatarate", float64(d.Bitrate) / 1000},
		{"framerate", d.FrameRate.Float64()},
		{"videocodecid", float64(flvCodecAVC)},
		{"encoder", "go-livecast"},
	}
	if !opts.NoDurationFilesize {
		props = append([]amfProp{{"duration", 0.0}}, props...)
		props = append(props, amfProp{"filesize", 0.0})
	}
	body, offsets, err := encodeScriptData("onMetaData", props)
	if err != nil {
		return err
	}

	hdr := make([]byte, 0, flvHeaderSize+flvTagHeaderSize+len(body)+4)
	hdr = append(hdr, 'F', 'L', 'V', 1, 0x01, 0, 0, 0, 9, 0, 0, 0, 0)
	hdr = append(hdr, flvTagScript, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	// timestamp, extended timestamp and stream id are all zero
	hdr = append(hdr, 0, 0, 0, 0, 0, 0, 0)
	hdr = append(hdr, body...)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(flvTagHeaderSize+len(body)))
	if _, err := fm.buf.Write(hdr); err != nil {
		return err
	}

	if !opts.NoDurationFilesize {
		fm.patches = map[string]int64{
			"duration": int64(flvHeaderSize + flvTagHeaderSize + offsets["duration"]),
			"filesize": int64(flvHeaderSize + flvTagHeaderSize + offsets["filesize"]),
		}
	}
	if d.FrameRate.Valid() {
		fm.frameMS = 1000 / d.FrameRate.Float64()
	}
	return nil
}

func (fm *flvMuxer) WritePacket(pkt *media.Packet) error {
	nalus := media.StripParameterSets(pkt.Data)
	if len(nalus) == 0 {
		return nil
	}
	data, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return err
	}
	dts := pkt.DecodeTS()
	err = fm.mux.WritePacket(av.Packet{
		IsKeyFrame:      pkt.KeyFrame,
		Idx:             0,
		Time:            time.Duration(dts) * time.Millisecond,
		CompositionTime: time.Duration(pkt.PTS-dts) * time.Millisecond,
		Data:            data,
	})
	if err != nil {
		return err
	}
	if !fm.started {
		fm.started, fm.firstPTS = true, pkt.PTS
	}
	if pkt.PTS > fm.lastPTS {
		fm.lastPTS = pkt.PTS
	}
	return nil
}

func (fm *flvMuxer) WriteTrailer() error {
	if err := fm.mux.WriteTrailer(); err != nil {
		return err
	}
	if fm.buf != nil {
		if err := fm.buf.Flush(); err != nil {
			return err
		}
	}
	if fm.file == nil || fm.patches == nil {
		return nil
	}
	fi, err := fm.file.Stat()
	if err != nil {
		return err
	}
	var duration float64
	if fm.started {
		duration = (float64(fm.lastPTS-fm.firstPTS) + fm.frameMS) / 1000
	}
	if _, err := fm.file.WriteAt(amfDouble(duration), fm.patches["duration"]); err != nil {
		return err
	}
	_, err = fm.file.WriteAt(amfDouble(float64(fi.Size())), fm.patches["filesize"])
	return err
}

func (fm *flvMuxer) Close() error {
	if fm.closer == nil {
		return nil
	}
	err := fm.closer.Close()
	fm.closer = nil
	return err
}

// skipWriter discards the first skip bytes written through it.
type skipWriter struct {
	w    io.Writer
	skip int
}

func (sw *skipWriter) Write(p []byte) (int, error) {
	n := len(p)
	if sw.skip > 0 {
		if len(p) <= sw.skip {
			sw.skip -= len(p)
			return n, nil
		}
		p = p[sw.skip:]
		sw.skip = 0
	}
	if _, err := sw.w.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}
