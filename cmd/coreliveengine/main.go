// Command coreliveengine wires the mixer, scene graph, encoders, and
// output interleaver into a minimal running engine: one scene, one
// mixer, one audio encoder, and one output. An SRT listener registers
// incoming streams with an ingest registry that only logs them; their
// bytes are not decoded, and no source is added to the scene or mixer.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/corelive/internal/captions"
	"github.com/zsiec/corelive/internal/encoder"
	"github.com/zsiec/corelive/internal/graph"
	"github.com/zsiec/corelive/internal/ingest"
	srtingest "github.com/zsiec/corelive/internal/ingest/srt"
	"github.com/zsiec/corelive/internal/interleave"
	"github.com/zsiec/corelive/internal/media"
	"github.com/zsiec/corelive/internal/metrics"
	"github.com/zsiec/corelive/internal/mixer"
	"github.com/zsiec/corelive/internal/output"
	"github.com/zsiec/corelive/internal/signalbus"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srtAddr := envOr("SRT_ADDR", ":6000")
	metricsEvery := 5 * time.Second

	metrics.Init(time.Now().UnixMilli())

	a, err := newApp(log)
	if err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	registry := ingest.NewRegistry(func(key string, _ io.Reader, format ingest.InputFormat) {
		slog.Info("new ingest stream", "key", key, "format", format)
	})
	srtSrv := srtingest.NewServer(srtAddr, registry, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return a.runMixLoop(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(metricsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				snap := a.encRec.Snapshot()
				slog.Info("engine metrics", "encoder", snap, "mixer", a.mixRec.Snapshot())
			}
		}
	})

	slog.Info("coreliveengine starting", "version", version, "srt", srtAddr)
	if err := g.Wait(); err != nil {
		slog.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
}

// app bundles one scene, mixer, audio encoder, and output — the
// minimal end-to-end path spec §1's core pipeline describes.
type app struct {
	log *slog.Logger

	scene  *graph.Scene
	mx     *mixer.Mixer
	enc    *encoder.Encoder
	out    *output.Output
	bus    *signalbus.Bus
	encRec *metrics.EncoderRecorder
	mixRec *metrics.MixerRecorder

	captionInj *captions.Injector
}

func newApp(log *slog.Logger) (*app, error) {
	bus := signalbus.New()
	scene := graph.NewScene("main", false)

	mx := mixer.New(48000, 2, log)

	codec := &passthroughCodec{}
	enc := encoder.New(1, media.KindAudio, codec, 1, 48000, 1024, log)
	if err := enc.Initialize(encoder.Settings{"bitrate": 128000}); err != nil {
		return nil, fmt.Errorf("initialize audio encoder: %w", err)
	}

	captionInj := captions.New()
	enc.SetCaptions(captionInj, captions.FamilyAVC)

	out := output.New("primary", &discardWriter{}, bus, log)
	out.Interleaver().AssignSlot(enc.ID, media.KindAudio, 0, 21333) // ~1024/48000s in usec
	out.AttachEncoder(enc)
	if err := out.Start(); err != nil {
		return nil, fmt.Errorf("start output: %w", err)
	}

	encRec := metrics.NewEncoderRecorder(enc.ID, "audio")
	sub := &recordingSubscriber{il: out.Interleaver(), rec: encRec}
	if err := enc.Start(sub); err != nil {
		return nil, fmt.Errorf("start audio encoder: %w", err)
	}

	return &app{
		log:        log,
		scene:      scene,
		mx:         mx,
		enc:        enc,
		out:        out,
		bus:        bus,
		encRec:     encRec,
		mixRec:     metrics.NewMixerRecorder(),
		captionInj: captionInj,
	}, nil
}

// runMixLoop drives one mixer tick per AudioBlock worth of samples,
// feeding the result to the audio encoder (spec §4.1, §4.3.2).
func (a *app) runMixLoop(ctx context.Context) error {
	blockNS := media.BlockNS(a.mx.SampleRate)
	var ts uint64
	ticker := time.NewTicker(time.Duration(blockNS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := a.mx.Tick(ts, ts+blockNS)
			ts += blockNS
			a.mixRec.RecordTick(a.mx.BufferingTotal())
			if !res.Emit {
				continue
			}
			planes := make([][]float32, a.mx.Channels)
			for ch := 0; ch < a.mx.Channels; ch++ {
				planes[ch] = res.Mixes[0]
			}
			if err := a.enc.PushAudioPCM(planes, res.OutTS); err != nil {
				a.log.Warn("push audio PCM failed", "error", err)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// recordingSubscriber forwards encoded packets into the output's
// interleaver and records delivery metrics.
type recordingSubscriber struct {
	il  *interleave.Interleaver
	rec *metrics.EncoderRecorder
}

func (s *recordingSubscriber) OnPacket(pkt media.Packet) {
	s.rec.RecordPacket(pkt.Payload.Len())
	s.il.Admit(pkt)
}

func (s *recordingSubscriber) OnEnd(code int) {
	slog.Info("encoder ended", "code", code)
}

// discardWriter is a no-op output.Writer, standing in for a real
// transport (SRT push, MoQ relay, file muxer) in this minimal wiring
// example.
type discardWriter struct{}

func (discardWriter) Start() error              { return nil }
func (discardWriter) Stop(int64)                {}
func (discardWriter) EncodedPacket(media.Packet) {}

// passthroughCodec is a minimal Codec implementation for demonstration:
// it emits the first plane's input PCM unchanged as the packet payload
// (further planes are not included). A production
// deployment installs a real codec plugin here (spec §6 "Encoder-plugin
// interface").
type passthroughCodec struct{}

func (passthroughCodec) GetDefaults() encoder.Settings { return encoder.Settings{} }

func (passthroughCodec) Create(_ encoder.Settings, _ *encoder.Encoder) (encoder.State, error) {
	return struct{}{}, nil
}

func (passthroughCodec) Destroy(encoder.State) {}

func (passthroughCodec) Update(encoder.State, encoder.Settings) error { return nil }

func (passthroughCodec) Encode(_ encoder.State, frame media.EncoderFrame) (media.Packet, bool, error) {
	if len(frame.Data) == 0 {
		return media.Packet{}, false, nil
	}
	pkt := media.Packet{
		Kind:    media.KindAudio,
		PTS:     frame.PTS,
		DTS:     frame.PTS,
		Payload: media.NewRefData(frame.Data[0]),
	}
	return pkt, true, nil
}

func (passthroughCodec) GetExtraData(encoder.State) []byte { return nil }
func (passthroughCodec) GetSEIData(encoder.State) []byte    { return nil }
func (passthroughCodec) GetFrameSize(encoder.State) int     { return media.AudioBlock }
func (passthroughCodec) Caps() encoder.Caps                 { return 0 }
