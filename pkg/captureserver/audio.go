package captureserver

import (
	"errors"
	"io"
)

// defaultLinearRate/Channels/Format are the values /start assumes for
// lrate/lchannels/lformat when the caller omits them.
const (
	defaultLinearRate     = 48000
	defaultLinearChannels = 2
	defaultLinearFormat   = "s16le"
)

const (
	minLinearRate = 22050
	maxLinearRate = 384000
	minLinearChannels = 1
	maxLinearChannels = 16
)

// ErrAudioUnavailable is returned by an AudioOpener (or the session's
// default one) when no audio capture device is wired in; /start turns
// it into a Failed response with a fail_reason rather than a panic.
var ErrAudioUnavailable = errors.New("captureserver: no audio device configured")

// AudioDevice is the linear/audio source's device-side handle: a
// blocking-with-timeout Read like cxreader.Handle's, plus a Close the
// session calls once during /stop.
type AudioDevice interface {
	reader
	io.Closer
}

// AudioOpener bootstraps the linear source for a given device name,
// sample rate, channel count and format string. The zero Session has
// none configured; WithAudioOpener wires one in.
type AudioOpener func(name string, rate, channels int, format string) (AudioDevice, error)

func noAudioOpener(string, int, int, string) (AudioDevice, error) {
	return nil, ErrAudioUnavailable
}

// linearSampleSize returns the byte width factored into the audio
// ring's 2 MiB x sample-size sizing, matching the 's16le'/'s24le'/
// 's32le' formats the format parser accepts.
func linearSampleSize(format string) (int, error) {
	switch format {
	case "s16le":
		return 2, nil
	case "s24le":
		return 3, nil
	case "s32le":
		return 4, nil
	default:
		return 0, errors.New("captureserver: unknown lformat " + format)
	}
}
