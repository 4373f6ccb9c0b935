package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/babelrtc/internal/consumer"
	"github.com/petervdpas/babelrtc/internal/transport"
)

const (
	cmdQuit    = "quit"
	cmdStatus  = "status"
	cmdGesture = "gesture"
	cmdLang    = "lang"
	cmdPlay    = "play"
	cmdStop    = "stop"
	cmdMute    = "mute"
	cmdUnmute  = "unmute"
	cmdVolume  = "volume"
	cmdRole    = "role"
	cmdLeave   = "leave"
	cmdStats   = "stats"
)

// command is one line of input: a name and its arguments.
type command struct {
	name string
	args []string
}

// parseCommand splits a line and checks the argument count.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}

	lo, hi := 0, 0
	switch cmd.name {
	case cmdQuit, cmdStatus, cmdGesture, cmdLeave:
	case cmdLang, cmdPlay, cmdStop, cmdRole, cmdStats:
		lo, hi = 1, 1
	case cmdMute, cmdUnmute:
		lo, hi = 1, 2
	case cmdVolume:
		lo, hi = 2, 2
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	if n := len(cmd.args); n < lo || n > hi {
		return command{}, fmt.Errorf("%s: expected %d..%d arguments, got %d", cmd.name, lo, hi, n)
	}
	return cmd, nil
}

// tracks reads an optional "audio" or "video" argument. No argument means
// both tracks.
func tracks(args []string) (consumer.Tracks, error) {
	if len(args) == 0 {
		return consumer.Tracks{Audio: consumer.Bool(true), Video: consumer.Bool(true)}, nil
	}
	switch args[0] {
	case "audio":
		return consumer.Tracks{Audio: consumer.Bool(true)}, nil
	case "video":
		return consumer.Tracks{Video: consumer.Bool(true)}, nil
	}
	return consumer.Tracks{}, fmt.Errorf("track must be audio or video, got %q", args[0])
}

type statsResult struct {
	DomID string `json:"domId"`
	transport.Stats
}

// playable narrows the tracks of a play or unmute command to the ones lang
// subscribes to, so an audio-only language is never asked for video.
func playable(st consumer.LanguageState, lang string, args []string) (consumer.Tracks, error) {
	if !st.Subscribe {
		return consumer.Tracks{}, fmt.Errorf("language %q is not subscribed", lang)
	}
	t, err := tracks(args)
	if err != nil {
		return t, err
	}
	if len(args) == 0 {
		if !st.SubscribeToAudio {
			t.Audio = nil
		}
		if !st.SubscribeToVideo {
			t.Video = nil
		}
		return t, nil
	}
	if (t.Audio != nil && !st.SubscribeToAudio) || (t.Video != nil && !st.SubscribeToVideo) {
		return consumer.Tracks{}, fmt.Errorf("%s track of %q is not subscribed", args[0], lang)
	}
	return t, nil
}

// readCommands forwards parsed lines until in is exhausted or ctx is done.
// Malformed lines are logged and skipped.
func readCommands(ctx context.Context, in io.Reader, out chan<- command) {
	defer close(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			logger.WithField("line", line).WithError(err).Warn("bad command")
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

func (l *live) exec(ctx context.Context, cmd command, out *eventWriter) error {
	switch cmd.name {
	case cmdStatus:
		l.sess.Consumer().Sync()
		out.encode(reply{Reply: cmd.name, Result: l.sess.Status()})
		return nil
	case cmdGesture:
		if l.recv == nil {
			return wrongSession(cmd.name, errNotReceiver)
		}
		l.recv.ResumeAfterGesture()
		return nil
	case cmdLeave:
		return l.sess.Leave(ctx)
	case cmdRole:
		if l.cast == nil {
			return wrongSession(cmd.name, errNotBroadcaster)
		}
		role := transport.Role(cmd.args[0])
		if role != transport.RoleHost && role != transport.RoleAudience {
			return fmt.Errorf("role must be host or audience, got %q", cmd.args[0])
		}
		return l.cast.SetRole(role)
	}

	if l.recv == nil {
		return wrongSession(cmd.name, errNotReceiver)
	}
	switch cmd.name {
	case cmdLang:
		in := intent(false)
		if st, ok := l.sess.Consumer().Snapshot().Languages[cmd.args[0]]; ok && st.Subscribe {
			in = consumer.Intent{
				AutoPlay:         st.AutoPlay,
				PlayAudio:        st.PlayAudio,
				PlayVideo:        st.PlayVideo,
				SubscribeToAudio: st.SubscribeToAudio,
				SubscribeToVideo: st.SubscribeToVideo,
			}
		}
		l.recv.SelectLanguage(cmd.args[0], in)
	case cmdPlay, cmdUnmute:
		st := l.sess.Consumer().Snapshot().Languages[cmd.args[0]]
		t, err := playable(st, cmd.args[0], cmd.args[1:])
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.name, err)
		}
		if cmd.name == cmdPlay {
			l.recv.PlayLanguage(cmd.args[0], t)
		} else {
			l.recv.UnmuteLanguage(cmd.args[0], t)
		}
	case cmdStop:
		l.recv.StopLanguage(cmd.args[0])
	case cmdStats:
		domID := cmd.args[0]
		if _, ok := l.sess.Consumer().Snapshot().Publisher(domID); !ok {
			return fmt.Errorf("stats: unknown publisher %q", domID)
		}
		l.recv.Stats(domID, func(st transport.Stats) {
			out.encode(reply{Reply: cmd.name, Result: statsResult{DomID: domID, Stats: st}})
		})
	case cmdMute:
		t, err := tracks(cmd.args[1:])
		if err != nil {
			return err
		}
		l.recv.MuteLanguage(cmd.args[0], t)
	case cmdVolume:
		v, err := strconv.Atoi(cmd.args[1])
		if err != nil {
			return fmt.Errorf("volume: %w", err)
		}
		l.recv.SetVolume(cmd.args[0], v)
	}
	return nil
}
