// Package console is an interactive terminal front end for one conversation.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/session"
)

// Chat is the part of session.Controller the console drives.
type Chat interface {
	Observe(ctx context.Context, external []message.Message) (bool, error)
	Messages(external []message.Message) message.History
}

// IdeaSubmitter records the user's final idea.
type IdeaSubmitter interface {
	AddFinalIdea(ctx context.Context, idea string) error
}

type Config struct {
	In       io.Reader
	Out      io.Writer
	Ideas    IdeaSubmitter
	External message.History // server-provided history
}

// Console reads user input and renders replies as they stream in.
type Console struct {
	in    io.Reader
	out   io.Writer
	ideas IdeaSubmitter

	mu       sync.Mutex
	external message.History
	streamID string
	streamed string
	open     bool // an "assistant> " line is still being written
}

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Console{
		in:       cfg.In,
		out:      cfg.Out,
		ideas:    cfg.Ideas,
		external: cfg.External.Clone(),
	}
}

const help = "Commands: /idea <text> submits your final idea, /history reprints the conversation, /quit exits."

// Run shows the conversation so far and then blocks reading input until EOF,
// /quit or ctx is done.
func (c *Console) Run(ctx context.Context, chat Chat) error {
	c.printHistory(chat)
	fmt.Fprintln(c.out, help)

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/history":
			c.printHistory(chat)
		case strings.HasPrefix(line, "/idea"):
			c.submitIdea(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/idea")))
		default:
			c.mu.Lock()
			c.external = append(c.external, message.NewUser(line, time.Now()))
			external := c.external.Clone()
			c.mu.Unlock()

			if _, err := chat.Observe(ctx, external); err != nil {
				if errors.Is(err, session.ErrInFlight) {
					fmt.Fprintln(c.out, "please wait for the current answer")
					continue
				}
				return err
			}
		}
	}
}

func (c *Console) submitIdea(ctx context.Context, idea string) {
	if idea == "" {
		fmt.Fprintln(c.out, "usage: /idea <your final idea>")
		return
	}
	if c.ideas == nil {
		fmt.Fprintln(c.out, "final ideas are not supported in this mode")
		return
	}
	if err := c.ideas.AddFinalIdea(ctx, idea); err != nil {
		logger.L.Error("add final idea", "error", err)
		fmt.Fprintln(c.out, "! could not save your idea, please try again")
		return
	}
	fmt.Fprintln(c.out, "Thank you! Your final idea has been saved.")
}

func (c *Console) printHistory(chat Chat) {
	c.mu.Lock()
	external := c.external.Clone()
	c.mu.Unlock()
	for _, m := range chat.Messages(external) {
		fmt.Fprint(c.out, format(m))
	}
}

func format(m message.Message) string {
	var b strings.Builder
	switch {
	case m.Role == message.RoleUser:
		b.WriteString("you> ")
	case m.Warning:
		b.WriteString("! ")
	default:
		b.WriteString("assistant> ")
	}
	b.WriteString(m.Content)
	b.WriteString("\n")
	if m.HasSources() {
		b.WriteString("Sources:\n")
		b.WriteString(m.Sources)
		b.WriteString("\n")
	}
	return b.String()
}

// Render draws an update of the exchange's assistant message. Streaming
// updates print only the text that was not shown yet.
func (c *Console) Render(m message.Message) {
	if m.Role != message.RoleAssistant {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.ID != c.streamID {
		c.closeLine()
		c.streamID, c.streamed = m.ID, ""
	}
	if m.Warning {
		c.closeLine()
		fmt.Fprint(c.out, format(m))
		c.streamID, c.streamed = "", ""
		return
	}
	if !c.open {
		fmt.Fprint(c.out, "assistant> ")
		c.open = true
	}
	c.writeDelta(m.Content)
	if !m.Streaming {
		c.closeLine()
		if m.HasSources() {
			fmt.Fprintf(c.out, "Sources:\n%s\n", m.Sources)
		}
		c.streamID, c.streamed = "", ""
	}
}

func (c *Console) closeLine() {
	if c.open {
		fmt.Fprintln(c.out)
		c.open = false
	}
}

func (c *Console) writeDelta(content string) {
	if strings.HasPrefix(content, c.streamed) {
		fmt.Fprint(c.out, content[len(c.streamed):])
	} else {
		fmt.Fprint(c.out, "\nassistant> "+content)
	}
	c.streamed = content
}

// Notify reports a failed exchange without interrupting the session.
func (c *Console) Notify(err error) {
	logger.L.Warn("exchange failed", "error", err)
	c.mu.Lock()
	fmt.Fprintf(c.out, "alert: the assistant is unavailable right now (%v)\n", err)
	c.mu.Unlock()
}
