// Command lumi-live is an interactive voice tutoring session: microphone in,
// speaker out, with slash commands for everything the transcript UI would do.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
	"github.com/lumiedu/lumi-live/pkg/capture"
	"github.com/lumiedu/lumi-live/pkg/gemini"
	"github.com/lumiedu/lumi-live/pkg/playback"
	"github.com/lumiedu/lumi-live/pkg/session"
	"github.com/lumiedu/lumi-live/pkg/store"
	"github.com/lumiedu/lumi-live/pkg/tools"

	"google.golang.org/genai"
)

const defaultMicRate = 16000

type cliConfig struct {
	APIKey      string
	DatabaseURL string
	SessionID   string

	Student       string
	Grade         string
	Subject       string
	StruggleTopic string
	LearningStyle string

	MicRate int
	NoMic   bool
	NoAudio bool
	Verbose bool
}

func parseConfig(args []string, getenv func(string) string) (cliConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := cliConfig{}
	fs := flag.NewFlagSet("lumi-live", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Student, "student", "Student", "learner name")
	fs.StringVar(&cfg.Grade, "grade", "5th grade", "learner grade")
	fs.StringVar(&cfg.Subject, "subject", "science", "favorite subject")
	fs.StringVar(&cfg.StruggleTopic, "struggle", "fractions", "topic the learner struggles with")
	fs.StringVar(&cfg.LearningStyle, "style", "visual", "learning style (visual, auditory, hands-on)")
	fs.StringVar(&cfg.SessionID, "session", "", "session id for transcript persistence")
	fs.StringVar(&cfg.DatabaseURL, "database-url", strings.TrimSpace(getenv("DATABASE_URL")), "optional Postgres URL for transcript persistence (or DATABASE_URL)")
	fs.IntVar(&cfg.MicRate, "mic-rate", defaultMicRate, "microphone capture rate in Hz")
	fs.BoolVar(&cfg.NoMic, "no-mic", false, "disable microphone capture (text-only input)")
	fs.BoolVar(&cfg.NoAudio, "no-audio", false, "disable speaker output")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg.APIKey = strings.TrimSpace(getenv("GEMINI_API_KEY"))
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(getenv("GOOGLE_API_KEY"))
	}
	if cfg.APIKey == "" {
		return cliConfig{}, errors.New("GEMINI_API_KEY (or GOOGLE_API_KEY) is required")
	}
	if cfg.MicRate <= 0 {
		return cliConfig{}, errors.New("mic-rate must be > 0")
	}
	switch session.LearningStyle(cfg.LearningStyle) {
	case session.StyleVisual, session.StyleAuditory, session.StyleHandsOn:
	default:
		return cliConfig{}, fmt.Errorf("unknown learning style %q", cfg.LearningStyle)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = strings.ToLower(cfg.Student)
	}
	return cfg, nil
}

// nullSink discards audio when the speaker is disabled.
type nullSink struct{ rate int }

func (s nullSink) SampleRate() int       { return s.rate }
func (s nullSink) Write([]float32) error { return nil }

func run(ctx context.Context, cfg cliConfig, in io.Reader, out io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	var sink playback.Sink = nullSink{rate: audio.OutputSampleRate}
	if !cfg.NoAudio {
		ffplay, err := playback.NewFFPlaySink(audio.OutputSampleRate)
		if err != nil {
			return err
		}
		defer ffplay.Close()
		sink = ffplay
	}
	scheduler := playback.NewScheduler(playback.Config{Sink: sink, Logger: log})
	defer scheduler.Close()
	chimes := playback.NewChimePlayer(sink, log)

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("init genai client: %w", err)
	}

	var st session.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.SessionID, log)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	}

	profile := session.Profile{
		Name:            cfg.Student,
		Grade:           cfg.Grade,
		FavoriteSubject: cfg.Subject,
		StruggleTopic:   cfg.StruggleTopic,
		LearningStyle:   session.LearningStyle(cfg.LearningStyle),
	}

	var pipeline *capture.Pipeline
	meter := &capture.Meter{}

	sess := session.New(session.Config{
		Profile:   profile,
		Transport: &gemini.Transport{APIKey: cfg.APIKey, Logger: log},
		Player:    scheduler,
		Tools: []session.ToolHandler{
			tools.NewImageGenerator(tools.NewGenAIGenerator(genaiClient), log),
			tools.NewProgressUpdater(log),
		},
		Chime:  chimes.Play,
		Store:  st,
		Logger: log,
		OnLive: func(live bool) {
			if pipeline != nil {
				pipeline.SetLive(live)
			}
		},
		OnState: func(state session.State) {
			fmt.Fprintf(out, "\n[%s]\n", state)
		},
		OnStats: func(stats session.LearningStats) {
			fmt.Fprintf(out, "\n[progress] score=%d difficulty=%s (%s)\n",
				stats.ComprehensionScore, stats.Difficulty, stats.LastUpdateReason)
		},
	})
	defer sess.Disconnect()

	if !cfg.NoMic {
		pipeline = capture.NewPipeline(capture.PipelineConfig{
			Source: capture.NewMicSource(cfg.MicRate),
			Send:   sess.SendMedia,
			Meter:  meter,
			Logger: log,
		})
		if err := pipeline.Start(); err != nil {
			// A missing microphone downgrades to text-only; the session
			// itself stays usable.
			log.Warn().Err(err).Msg("microphone unavailable, continuing text-only")
			pipeline = nil
		} else {
			defer pipeline.Stop()
		}
	}

	fmt.Fprintf(out, "Lumi live session for %s (%s).\n", profile.Name, profile.Grade)
	fmt.Fprintln(out, "Type to chat. Commands: /connect /disconnect /mute /unmute /direct <text> /image <path> /fav <n> /flag <n> /stats /transcript /level /exit")

	sess.Connect(ctx)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			fmt.Fprintln(out, "bye")
			return nil
		}
		if strings.HasPrefix(line, "/") {
			handleCommand(ctx, line, sess, pipeline, meter, out)
			continue
		}
		if err := sess.SendText(line, session.TextChat); err != nil {
			fmt.Fprintf(out, "send error: %v\n", err)
		}
	}
}

func handleCommand(ctx context.Context, line string, sess *session.Session, pipeline *capture.Pipeline, meter *capture.Meter, out io.Writer) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/connect":
		sess.Connect(ctx)
	case "/disconnect":
		sess.Disconnect()
	case "/mute":
		sess.SetMuted(true)
		if pipeline != nil {
			pipeline.SetMuted(true)
		}
		fmt.Fprintln(out, "microphone muted")
	case "/unmute":
		sess.SetMuted(false)
		if pipeline != nil {
			pipeline.SetMuted(false)
		}
		fmt.Fprintln(out, "microphone live")
	case "/direct":
		if rest == "" {
			fmt.Fprintln(out, "usage: /direct <instruction>")
			return
		}
		if err := sess.SendText(rest, session.TextInstruction); err != nil {
			fmt.Fprintf(out, "send error: %v\n", err)
		}
	case "/image":
		if rest == "" {
			fmt.Fprintln(out, "usage: /image <path>")
			return
		}
		if err := sendImageFile(sess, rest); err != nil {
			fmt.Fprintf(out, "image error: %v\n", err)
		}
	case "/fav", "/flag":
		idx, err := strconv.Atoi(rest)
		msgs := sess.Messages()
		if err != nil || idx < 0 || idx >= len(msgs) {
			fmt.Fprintf(out, "usage: %s <message index 0..%d>\n", cmd, len(msgs)-1)
			return
		}
		if cmd == "/fav" {
			sess.ToggleFavorite(msgs[idx].ID)
		} else {
			sess.ToggleFlag(msgs[idx].ID)
		}
	case "/stats":
		stats := sess.Stats()
		fmt.Fprintf(out, "score=%d difficulty=%s reason=%q\n",
			stats.ComprehensionScore, stats.Difficulty, stats.LastUpdateReason)
	case "/transcript":
		for i, msg := range sess.Messages() {
			marks := ""
			if msg.IsFavorite {
				marks += " *"
			}
			if msg.IsFlagged {
				marks += " !"
			}
			fmt.Fprintf(out, "%3d %-9s %s%s\n", i, msg.Role, msg.Text, marks)
		}
	case "/level":
		fmt.Fprintf(out, "mic level rms=%.3f peak=%.3f speaking=%v\n",
			meter.Level(), meter.Peak(), sess.IsSpeaking())
	default:
		fmt.Fprintf(out, "unknown command %s\n", cmd)
	}
}

func sendImageFile(sess *session.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var mime string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".webp":
		mime = "image/webp"
	default:
		return fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	return sess.SendImage(mime, base64.StdEncoding.EncodeToString(data))
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lumi-live: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "lumi-live: %v\n", err)
		os.Exit(1)
	}
}
