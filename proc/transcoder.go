package proc

import (
	"context"
	"errors"

	"github.com/asticode/go-astiav"
)

const (
	opusSampleRate  = 48000
	opusFrameSize   = 960
	opusBitRate     = 192000
	opusFifoSamples = opusFrameSize * 2
)

// Transcoder decodes a local audio file and re-encodes it as 20ms stereo opus
// frames suitable for a voice connection.
type Transcoder struct {
	input       *astiav.FormatContext
	opened      bool
	decoder     *astiav.CodecContext
	encoder     *astiav.CodecContext
	resampler   *astiav.SoftwareResampleContext
	fifo        *astiav.AudioFifo
	packet      *astiav.Packet
	frame       *astiav.Frame
	resampled   *astiav.Frame
	streamIndex int
	pts         int64
	emit        func([]byte)
}

func NewTranscoder() *Transcoder {
	return &Transcoder{
		packet:      astiav.AllocPacket(),
		frame:       astiav.AllocFrame(),
		resampled:   astiav.AllocFrame(),
		streamIndex: -1,
	}
}

// Open opens path and prepares the decoder, encoder and resampler.
func (t *Transcoder) Open(path string) error {
	t.input = astiav.AllocFormatContext()
	if t.input == nil {
		return errors.New("failed to allocate format context")
	}
	if err := t.input.OpenInput(path, nil, nil); err != nil {
		return err
	}
	t.opened = true
	if err := t.input.FindStreamInfo(nil); err != nil {
		return err
	}
	for _, s := range t.input.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.streamIndex = s.Index()
			break
		}
	}
	if t.streamIndex < 0 {
		return errors.New("no audio stream")
	}
	if err := t.openDecoder(); err != nil {
		return err
	}
	return t.openEncoder()
}

func (t *Transcoder) openDecoder() error {
	params := t.input.Streams()[t.streamIndex].CodecParameters()
	d := astiav.FindDecoder(params.CodecID())
	if d == nil {
		return errors.New("no decoder for input codec")
	}
	t.decoder = astiav.AllocCodecContext(d)
	if err := params.ToCodecContext(t.decoder); err != nil {
		return err
	}
	return t.decoder.Open(d, nil)
}

func (t *Transcoder) openEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no opus encoder")
	}
	t.encoder = astiav.AllocCodecContext(e)
	t.encoder.SetBitRate(opusBitRate)
	t.encoder.SetSampleRate(opusSampleRate)
	t.encoder.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoder.SetSampleFormat(astiav.SampleFormatS16)
	t.encoder.SetTimeBase(astiav.NewRational(1, opusSampleRate))

	opts := astiav.NewDictionary()
	defer opts.Free()
	opts.Set("vbr", "on", 0)
	opts.Set("compression_level", "10", 0)
	opts.Set("frame_size", "20", 0)
	if err := t.encoder.Open(e, opts); err != nil {
		return err
	}

	// configured lazily by ConvertFrame from the first decoded frame
	t.resampler = astiav.AllocSoftwareResampleContext()
	if t.resampler == nil {
		return errors.New("failed to allocate resampler")
	}
	t.fifo = astiav.AllocAudioFifo(t.encoder.SampleFormat(), t.encoder.ChannelLayout().Channels(), opusFifoSamples)
	return nil
}

// Run transcodes until EOF or ctx is done, calling emit with each encoded
// frame. Frames passed to emit are owned by the callee.
func (t *Transcoder) Run(ctx context.Context, emit func([]byte)) error {
	t.emit = emit
	defer t.packet.Unref()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.input.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}
		if t.packet.StreamIndex() != t.streamIndex {
			t.packet.Unref()
			continue
		}
		err := t.decoder.SendPacket(t.packet)
		t.packet.Unref()
		if err != nil {
			return err
		}
		t.receiveDecoded()
		t.drainFifo(opusFrameSize)
	}

	_ = t.decoder.SendPacket(nil)
	t.receiveDecoded()
	t.drainFifo(1)

	_ = t.encoder.SendFrame(nil)
	t.receiveEncoded()
	return nil
}

func (t *Transcoder) receiveDecoded() {
	for t.decoder.ReceiveFrame(t.frame) == nil {
		t.resetResampled()
		nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()),
			astiav.NewRational(1, t.frame.SampleRate()),
			astiav.NewRational(1, opusSampleRate)))
		if nb > 0 {
			t.resampled.SetNbSamples(nb)
			if t.resampled.AllocBuffer(0) == nil && t.resampler.ConvertFrame(t.frame, t.resampled) == nil {
				_, _ = t.fifo.Write(t.resampled)
			}
		}
		t.frame.Unref()
	}
}

// drainFifo encodes buffered samples while at least threshold are available.
// The final call passes 1 to flush a short tail frame.
func (t *Transcoder) drainFifo(threshold int) {
	for t.fifo.Size() >= threshold && t.fifo.Size() > 0 {
		n := min(t.fifo.Size(), opusFrameSize)
		t.resetResampled()
		t.resampled.SetNbSamples(n)
		if t.resampled.AllocBuffer(0) != nil {
			return
		}
		_, _ = t.fifo.Read(t.resampled)
		t.resampled.SetPts(t.pts)
		t.pts += int64(n)
		if t.encoder.SendFrame(t.resampled) != nil {
			return
		}
		t.receiveEncoded()
	}
}

func (t *Transcoder) receiveEncoded() {
	for {
		p := astiav.AllocPacket()
		if t.encoder.ReceivePacket(p) != nil {
			p.Free()
			return
		}
		if t.emit != nil {
			d := p.Data()
			out := make([]byte, len(d))
			copy(out, d)
			t.emit(out)
		}
		p.Free()
	}
}

func (t *Transcoder) resetResampled() {
	t.resampled.Unref()
	t.resampled.SetChannelLayout(t.encoder.ChannelLayout())
	t.resampled.SetSampleFormat(t.encoder.SampleFormat())
	t.resampled.SetSampleRate(t.encoder.SampleRate())
}

func (t *Transcoder) Close() {
	if t.fifo != nil {
		t.fifo.Free()
	}
	if t.resampler != nil {
		t.resampler.Free()
	}
	if t.resampled != nil {
		t.resampled.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoder != nil {
		t.decoder.Free()
	}
	if t.encoder != nil {
		t.encoder.Free()
	}
	if t.input != nil {
		if t.opened {
			t.input.CloseInput()
		}
		t.input.Free()
	}
}
