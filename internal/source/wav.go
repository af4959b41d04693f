package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultBlockFrames is the number of frames per block submitted by
// [RenderWAV].
const DefaultBlockFrames = 4096

// WAVOptions configures [RenderWAV].
type WAVOptions struct {
	// Gain scales full-scale samples to levels. Default: 10, so a full-scale
	// sample reads as 10 V.
	Gain float64

	// BlockFrames is the number of frames per submitted block.
	// Default: [DefaultBlockFrames].
	BlockFrames int

	// AutoSave saves a recording still in progress at end of file.
	AutoSave bool
}

// WAVResult summarises one render.
type WAVResult struct {
	SampleRate int
	Channels   int
	Frames     int64
	AutoSaved  bool
}

// RenderWAV streams a PCM WAV file through r. Every file channel is one level
// input, in channel order; a file with fewer channels than the layout needs is
// padded with zero levels. The sample rate becomes the tick rate and the
// first frame lands on the runner's next free tick index.
//
// r must be running. Per-tick errors abort the render.
func RenderWAV(ctx context.Context, r *Runner, src io.ReadSeeker, opts WAVOptions) (WAVResult, error) {
	if opts.Gain == 0 {
		opts.Gain = 10
	}
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = DefaultBlockFrames
	}

	dec := wav.NewDecoder(src)
	if !dec.IsValidFile() {
		return WAVResult{}, errors.New("source: wav: not a valid WAV file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return WAVResult{}, fmt.Errorf("source: wav: %w", err)
	}
	if dec.WavAudioFormat != 1 {
		return WAVResult{}, fmt.Errorf("source: wav: audio format %d not supported, need integer PCM", dec.WavAudioFormat)
	}
	format := dec.Format()
	bitDepth := int(dec.SampleBitDepth())
	if bitDepth == 0 || format.NumChannels == 0 {
		return WAVResult{}, errors.New("source: wav: missing format information")
	}

	res := WAVResult{SampleRate: format.SampleRate, Channels: format.NumChannels}
	arity := r.Arity()
	width := max(arity, format.NumChannels)
	scale := opts.Gain / math.Pow(2, float64(bitDepth-1))
	next := r.Status().NextIndex

	buf := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, opts.BlockFrames*format.NumChannels),
		SourceBitDepth: bitDepth,
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return res, fmt.Errorf("source: wav: decode: %w", err)
		}
		frames := n / format.NumChannels
		if frames == 0 {
			break
		}

		block := Block{
			Rate:   float64(format.SampleRate),
			Index:  next,
			Frames: make([][]float64, frames),
			Source: "wav",
		}
		levels := make([]float64, frames*width)
		for f := range frames {
			row := levels[f*width : (f+1)*width : (f+1)*width]
			for c := range format.NumChannels {
				row[c] = float64(buf.Data[f*format.NumChannels+c]) * scale
			}
			block.Frames[f] = row
		}
		if err := r.Submit(ctx, block); err != nil {
			return res, fmt.Errorf("source: wav: frame %d: %w", res.Frames, err)
		}
		next += int64(frames)
		res.Frames += int64(frames)
	}

	if opts.AutoSave && r.Status().State == "recording" {
		if err := r.Save(ctx); err != nil {
			return res, err
		}
		res.AutoSaved = true
	}
	return res, nil
}
