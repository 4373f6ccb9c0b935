// Package app runs a session from a working directory: it loads the config,
// opens the preferences store, streams bus events as JSON lines and rebuilds
// the session when it asks for a reload or the config file changes.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/config"
	"github.com/petervdpas/babelrtc/internal/consumer"
	"github.com/petervdpas/babelrtc/internal/prefs"
	"github.com/petervdpas/babelrtc/internal/session"
	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/util"
)

var logger = logrus.WithField("component", "app")

// Options configures Run. Cfg is the loaded config and CfgPath the file
// watched for changes; Dir resolves the relative paths in Cfg.
type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Language overrides the remembered language of a receiver.
	Language string
	// AudioOnly subscribes to and plays audio tracks only.
	AudioOnly bool
	// RequireGesture keeps playback locked until a "gesture" command.
	RequireGesture bool

	// Factories replaces the default transports.
	Factories map[transport.Kind]transport.Factory

	// Out receives one JSON object per bus event. In carries commands.
	Out io.Writer
	In  io.Reader

	// Progress reports the start steps of each session.
	Progress func(step, total int, label string)
}

// live is the session currently running.
type live struct {
	sess  *session.Session
	recv  *session.Receiver
	cast  *session.Broadcaster
	unsub func()
}

func (l *live) close() {
	l.unsub()
	if err := l.sess.Close(); err != nil {
		logger.WithError(err).Warn("close session")
	}
}

// Run blocks until ctx is done or the input is exhausted by a "quit".
func Run(ctx context.Context, opt Options) error {
	if opt.Out == nil {
		opt.Out = io.Discard
	}

	store, err := prefs.Open(util.ResolvePath(opt.Dir, opt.Cfg.Paths.PrefsDB))
	if err != nil {
		return err
	}
	defer store.Close()

	cfgCh := make(chan config.Config, 1)
	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, func(c config.Config) {
			select {
			case cfgCh <- c:
			default:
				// Drop the stale pending version for the newest one.
				select {
				case <-cfgCh:
				default:
				}
				cfgCh <- c
			}
		})
		if err != nil {
			logger.WithError(err).Warn("config watch disabled")
		} else {
			defer w.Close()
		}
	}

	cmdCh := make(chan command)
	if opt.In != nil {
		go readCommands(ctx, opt.In, cmdCh)
	}

	out := &eventWriter{w: opt.Out}
	cfg := opt.Cfg
	for {
		reload := make(chan string, 1)
		cur, err := start(ctx, opt, cfg, store, out, reload)
		if err != nil {
			select {
			case reason := <-reload:
				logger.WithField("reason", reason).Info("start failed, rebuilding")
				continue
			default:
			}
			return err
		}

		next, quit := serve(ctx, cur, cmdCh, cfgCh, reload, out)
		cur.close()
		if quit {
			return nil
		}
		if next != nil {
			// The side of the session comes from the command line.
			next.Session.UserType = opt.Cfg.Session.UserType
			cfg = *next
		}
	}
}

func start(ctx context.Context, opt Options, cfg config.Config, store *prefs.Store, out *eventWriter, reload chan<- string) (*live, error) {
	b := bus.New()
	unsubOut := b.Subscribe("", out.write)
	unsubReload := b.Subscribe(bus.TopicSessionReload, func(e bus.Event) {
		select {
		case reload <- e.Payload.(bus.ReloadPayload).Reason:
		default:
		}
	})
	cur := &live{unsub: func() { unsubOut(); unsubReload() }}

	so := session.Options{
		Config:    cfg,
		Bus:       b,
		Prefs:     store,
		Factories: opt.Factories,
		Progress:  opt.Progress,
	}
	var err error
	if cfg.Session.UserType == config.UserTypeHost {
		cur.cast, err = session.NewBroadcaster(so)
		if err == nil {
			cur.sess = cur.cast.Session
		}
	} else {
		cur.recv, err = session.NewReceiver(so)
		if err == nil {
			cur.sess = cur.recv.Session
		}
	}
	if err != nil {
		cur.unsub()
		return nil, err
	}
	cur.sess.Surfaces().RequireGesture(opt.RequireGesture)
	if cfg.Paths.RecordDir != "" {
		if err := cur.sess.Surfaces().Record(util.ResolvePath(opt.Dir, cfg.Paths.RecordDir)); err != nil {
			cur.close()
			return nil, err
		}
	}

	if err := cur.sess.Start(ctx); err != nil {
		cur.close()
		return nil, err
	}

	if cur.recv != nil {
		lang := pickLanguage(opt.Language, cur.sess.Preferences().Language, cfg.Languages())
		if lang != "" {
			cur.recv.SelectLanguage(lang, intent(opt.AudioOnly))
		}
	}
	logger.WithFields(logrus.Fields{
		"session":   cur.sess.ID(),
		"transport": cur.sess.Status().Transport,
	}).Info("session running")
	return cur, nil
}

// serve handles commands until the session must be rebuilt or the run ends.
// A nil config with quit unset means: rebuild with the current config.
func serve(ctx context.Context, cur *live, cmds <-chan command, cfgs <-chan config.Config, reload <-chan string, out *eventWriter) (*config.Config, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, true
		case reason := <-reload:
			logger.WithField("reason", reason).Info("session asked for a reload")
			return nil, false
		case c := <-cfgs:
			logger.Info("config changed, rebuilding session")
			return &c, false
		case cmd, ok := <-cmds:
			if !ok || cmd.name == cmdQuit {
				return nil, true
			}
			if err := cur.exec(ctx, cmd, out); err != nil {
				out.writeError(cmd.name, err)
			}
		}
	}
}

// pickLanguage prefers the flag, then the remembered language, then the
// first configured one. Unknown languages fall through.
func pickLanguage(flag, remembered string, known []string) string {
	has := func(l string) bool {
		for _, k := range known {
			if k == l {
				return true
			}
		}
		return false
	}
	for _, l := range []string{flag, remembered} {
		if l != "" && has(l) {
			return l
		}
	}
	if len(known) > 0 {
		return known[0]
	}
	return ""
}

func intent(audioOnly bool) consumer.Intent {
	return consumer.Intent{
		AutoPlay:         true,
		PlayAudio:        true,
		PlayVideo:        !audioOnly,
		SubscribeToAudio: true,
		SubscribeToVideo: !audioOnly,
	}
}

// eventWriter serializes JSON lines from the bus and command replies.
type eventWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *eventWriter) write(e bus.Event) {
	o.encode(e)
}

func (o *eventWriter) encode(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.WithError(err).Warn("encode event")
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w.Write(append(b, '\n'))
}

type reply struct {
	Reply  string `json:"reply"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (o *eventWriter) writeError(name string, err error) {
	o.encode(reply{Reply: name, Error: err.Error()})
}

var errNotReceiver = errors.New("only a receiver session has language controls")
var errNotBroadcaster = errors.New("only a host session can change its role")

func wrongSession(name string, err error) error {
	return fmt.Errorf("%s: %w", name, err)
}
