package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zjbstudy/studyroom/internal/eventlog"
	"github.com/zjbstudy/studyroom/internal/fullscreen"
	"github.com/zjbstudy/studyroom/internal/media"
	"github.com/zjbstudy/studyroom/internal/protocol"
	"github.com/zjbstudy/studyroom/internal/relay"
	"github.com/zjbstudy/studyroom/internal/session"
	"github.com/zjbstudy/studyroom/internal/store"
	"github.com/zjbstudy/studyroom/internal/tiles"
	"github.com/zjbstudy/studyroom/internal/timer"
)

// console is the interactive command loop of the client.
type console struct {
	user        string
	sess        *session.Manager
	tm          *timer.Timer
	goals       *store.GoalList
	leaderboard *store.Leaderboard
	media       *media.Manager
	arbiter     *fullscreen.Arbiter
	tiles       *tiles.Engine
	chatLog     *eventlog.Log
	activityLog *eventlog.Log
	st          *store.Store
	out         io.Writer
}

// run reads commands until EOF or quit, then signals done.
func (c *console) run(ctx context.Context, in io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !c.dispatch(ctx, line) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("console input failed")
	}
}

// dispatch executes one command line. It returns false when the loop should
// stop.
func (c *console) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return false

	case "help":
		c.printHelp()

	case "start":
		c.tm.Start(timer.Focus)
	case "pause":
		c.tm.Pause()
	case "resume":
		c.tm.Resume()
	case "reset":
		c.tm.Reset()
	case "skip":
		c.tm.SkipBreak()
	case "focus":
		c.setMinutes(args, c.tm.SetFocusMinutes)
	case "break":
		c.setMinutes(args, c.tm.SetBreakMinutes)
	case "status":
		state := c.tm.State()
		fmt.Fprintf(c.out, "%s %s, %ds of %ds remaining\n",
			state.Cycle, state.Status, state.Remaining, state.Planned)

	case "say":
		text := strings.TrimSpace(strings.TrimPrefix(line, "say"))
		if text == "" {
			break
		}
		if err := c.sess.Send(protocol.Chat(c.user, text)); err != nil {
			fmt.Fprintf(c.out, "chat not sent: %v\n", err)
		} else {
			c.chatLog.Append(c.user + ": " + text)
		}

	case "mic":
		c.toggleMedia(ctx, relay.Audio)
	case "cam":
		c.toggleMedia(ctx, relay.Video)
	case "screen":
		c.toggleMedia(ctx, relay.Screen)

	case "goal":
		c.goalCommand(args, strings.TrimSpace(strings.TrimPrefix(line, "goal")))

	case "board":
		for i, entry := range c.leaderboard.Entries() {
			fmt.Fprintf(c.out, "%d. %s  %dm%02ds\n", i+1, entry.User, entry.Seconds/60, entry.Seconds%60)
		}

	case "who":
		for _, user := range c.tiles.Users() {
			fmt.Fprintln(c.out, user)
		}

	case "fs":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: fs <user>")
			break
		}
		c.arbiter.ToggleNative(ctx, args[0])
	case "fspage":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: fspage <user>")
			break
		}
		c.arbiter.TogglePage(args[0])
	case "esc":
		c.arbiter.HandleEscape()

	case "theme":
		if len(args) == 0 {
			fmt.Fprintln(c.out, c.st.Theme())
			break
		}
		c.st.SetTheme(args[0])

	case "log":
		for _, entry := range c.activityLog.Entries() {
			fmt.Fprintf(c.out, "%s  %s\n", entry.At.Format("15:04:05"), entry.Text)
		}
	case "chat":
		for _, entry := range c.chatLog.Entries() {
			fmt.Fprintf(c.out, "%s  %s\n", entry.At.Format("15:04:05"), entry.Text)
		}

	default:
		fmt.Fprintf(c.out, "unknown command %q, try help\n", cmd)
	}
	return true
}

func (c *console) setMinutes(args []string, set func(int)) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "usage: focus|break <minutes>")
		return
	}
	minutes, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "not a number: %s\n", args[0])
		return
	}
	set(minutes)
}

func (c *console) toggleMedia(ctx context.Context, kind relay.Kind) {
	if err := c.media.Toggle(ctx, kind); err != nil {
		fmt.Fprintf(c.out, "media toggle failed: %v\n", err)
	}
}

func (c *console) goalCommand(args []string, rest string) {
	if len(args) == 0 {
		for _, goal := range c.goals.Goals() {
			mark := " "
			if goal.Completed {
				mark = "x"
			}
			fmt.Fprintf(c.out, "[%s] %s  %s\n", mark, goal.ID, goal.Text)
		}
		return
	}

	switch args[0] {
	case "add":
		text := strings.TrimSpace(strings.TrimPrefix(rest, "add"))
		if text == "" {
			fmt.Fprintln(c.out, "usage: goal add <text>")
			return
		}
		goal := c.goals.Add(text)
		fmt.Fprintf(c.out, "added %s\n", goal.ID)
	case "done":
		if len(args) != 2 {
			fmt.Fprintln(c.out, "usage: goal done <id>")
			return
		}
		c.goals.ToggleComplete(args[1])
	case "edit":
		if len(args) < 3 {
			fmt.Fprintln(c.out, "usage: goal edit <id> <text>")
			return
		}
		c.goals.UpdateText(args[1], strings.Join(args[2:], " "))
	case "rm":
		if len(args) != 2 {
			fmt.Fprintln(c.out, "usage: goal rm <id>")
			return
		}
		c.goals.Remove(args[1])
	case "sweep":
		on := c.goals.ToggleDeleteMode()
		fmt.Fprintf(c.out, "delete mode %v\n", on)
	default:
		fmt.Fprintf(c.out, "unknown goal command %q\n", args[0])
	}
}

func (c *console) printHelp() {
	fmt.Fprint(c.out, `commands:
  start | pause | resume | reset | skip   timer controls
  focus <min> | break <min>               session lengths
  status                                  timer state
  say <text>                              send a chat line
  mic | cam | screen                      toggle local media
  goal [add|done|edit|rm|sweep]           goal list
  board | who | log | chat                room views
  theme [name]                            show or set the UI theme
  fs <user> | fspage <user> | esc         fullscreen
  quit
`)
}
