package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/relay"
	"github.com/dotsetgreg/cairelay/pkg/trigger"
)

const (
	ConsoleRoomID   = "local"
	consoleUserID   = "local|you"
	consoleBotID    = "console|cai"
	consoleBotName  = "cai"
	consoleUserName = "you"
)

var (
	botNameStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	noticeStyle  = lipgloss.NewStyle().Faint(true)
	fileStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// ConsoleChannel is a single local room backed by the terminal. It always
// counts two members, so the relay treats it as a direct conversation.
type ConsoleChannel struct {
	*BaseChannel
	out       io.Writer
	exportDir string
	history   string

	mu      sync.Mutex
	botName string
	senders map[string]string
	nextID  atomic.Uint64

	rl     *readline.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Channel = (*ConsoleChannel)(nil)

func NewConsoleChannel(exportDir string, bus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", bus),
		out:         os.Stdout,
		exportDir:   exportDir,
		history:     filepath.Join(os.TempDir(), ".cairelay_history"),
		botName:     consoleBotName,
		senders:     make(map[string]string),
	}
}

func (c *ConsoleChannel) prompt() string {
	return fmt.Sprintf("%s > ", consoleUserName)
}

// Start reads lines from the terminal until Stop, EOF or interrupt.
func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     c.history,
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setRunning(true)

	go func() {
		defer close(c.done)
		defer cancel()
		for runCtx.Err() == nil {
			line, err := rl.Readline()
			if err != nil {
				if err == readline.ErrInterrupt || err == io.EOF {
					return
				}
				logger.WarnCF("console", "Error reading input", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			input := strings.TrimSpace(line)
			if input == "exit" || input == "quit" {
				return
			}
			c.handleLine(input)
		}
	}()

	return nil
}

// Done is closed when the user leaves the console.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) newMessageID(sender string) string {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	c.mu.Lock()
	c.senders[id] = sender
	c.mu.Unlock()
	return id
}

func (c *ConsoleChannel) handleLine(input string) {
	if input == "" {
		return
	}
	c.PublishEvent(bus.InboundEvent{
		RoomID:     ConsoleRoomID,
		MessageID:  c.newMessageID(consoleUserID),
		SenderID:   consoleUserID,
		SenderName: consoleUserName,
		Body:       input,
		Type:       bus.MessageText,
	})
}

func (c *ConsoleChannel) Self() trigger.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return trigger.Identity{UserID: consoleBotID, LocalName: c.botName}
}

func (c *ConsoleChannel) Send(ctx context.Context, msg relay.OutgoingMessage) (string, error) {
	c.mu.Lock()
	name := c.botName
	c.mu.Unlock()

	if msg.File != nil {
		path, err := c.writeFile(msg.File.Name, msg.File.Data)
		if err != nil {
			return "", err
		}
		fmt.Fprintln(c.out, fileStyle.Render("saved "+path))
	}
	if msg.Text != "" {
		text := msg.Text
		if !msg.Notice {
			text = noticeStyle.Render(text)
		}
		fmt.Fprintf(c.out, "%s %s\n", botNameStyle.Render(name+":"), text)
	}
	return c.newMessageID(consoleBotID), nil
}

func (c *ConsoleChannel) writeFile(name string, data []byte) (string, error) {
	if err := os.MkdirAll(c.exportDir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(c.exportDir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// SetTyping is shown in the prompt while a reply is pending.
func (c *ConsoleChannel) SetTyping(ctx context.Context, roomID string, typing bool) error {
	if c.rl == nil {
		return nil
	}
	if typing {
		c.rl.SetPrompt(noticeStyle.Render("typing... ") + c.prompt())
	} else {
		c.rl.SetPrompt(c.prompt())
	}
	c.rl.Refresh()
	return nil
}

func (c *ConsoleChannel) MemberCount(ctx context.Context, roomID string) (int, error) {
	return 2, nil
}

func (c *ConsoleChannel) MessageSender(ctx context.Context, roomID, messageID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sender, ok := c.senders[messageID]
	if !ok {
		return "", fmt.Errorf("unknown message %s", messageID)
	}
	return sender, nil
}

// SetProfile renames the bot in the transcript; avatars are ignored.
func (c *ConsoleChannel) SetProfile(ctx context.Context, roomID string, profile relay.Profile) error {
	if strings.TrimSpace(profile.DisplayName) == "" {
		return nil
	}
	c.mu.Lock()
	c.botName = profile.DisplayName
	c.mu.Unlock()
	return nil
}

func (c *ConsoleChannel) React(ctx context.Context, roomID, messageID, emoji string) error {
	fmt.Fprintln(c.out, noticeStyle.Render(emoji))
	return nil
}
