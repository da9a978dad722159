package client

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/glasschat/glasschat/internal/chat"
)

// pollInterval is how often the background loop asks the server for
// the message list.
const pollInterval = 250 * time.Millisecond

var (
	authorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	systemStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// RunInteractive prompts for credentials, logs in, and runs the chat
// loop until the user quits or the connection drops.
func (c *Client) RunInteractive(ctx context.Context) error {
	username, password, err := promptCredentials()
	if err != nil {
		return err
	}

	sess, err := c.Login(ctx, username, password)
	if err != nil {
		fmt.Println(errorStyle.Render(FailureMessage(err)))
		return err
	}
	defer sess.Close()

	fmt.Println(systemStyle.Render(fmt.Sprintf("connected as %s; type a message, or /quit to leave", username)))

	return runChatLoop(ctx, sess)
}

// promptCredentials collects the username and password. With a
// terminal attached it uses a form; otherwise it falls back to
// line-based input, reading the password as a plain line.
func promptCredentials() (string, string, error) {
	var username, password string

	if term.IsTerminal(int(os.Stdin.Fd())) {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("username").
					Value(&username),
				huh.NewInput().
					Title("password").
					EchoMode(huh.EchoModePassword).
					Value(&password),
			),
		)
		if err := form.Run(); err != nil {
			return "", "", err
		}
		return strings.TrimSpace(username), password, nil
	}

	r := bufio.NewReader(os.Stdin)
	fmt.Print("username: ")
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	username = strings.TrimSpace(line)

	fmt.Print("password: ")
	line, err = r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	password = strings.TrimRight(line, "\r\n")

	return username, password, nil
}

// runChatLoop multiplexes the send path and the background poller.
// The session serializes transport access internally; this loop only
// coordinates rendering.
func runChatLoop(ctx context.Context, sess *Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan []chat.Message, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pollLoop(ctx, sess, updates)
	}()
	defer wg.Wait()

	input := make(chan string)
	go func() {
		defer close(input)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
	}()

	renderer := newRenderer(sess.Username())
	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs := <-updates:
			renderer.render(msgs)
		case line, ok := <-input:
			if !ok || strings.TrimSpace(line) == "/quit" {
				fmt.Println(systemStyle.Render("goodbye"))
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := sess.Send(line); err != nil {
				fmt.Println(errorStyle.Render(fmt.Sprintf("send failed: %v", err)))
				return err
			}
		}
	}
}

// pollLoop fetches the message list on a fixed cadence and pushes
// snapshots to the renderer.
func pollLoop(ctx context.Context, sess *Session, updates chan<- []chat.Message) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !sess.IsOpen() {
				return
			}
			msgs, err := sess.Poll()
			if err != nil {
				return
			}
			select {
			case updates <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}
}

// renderer prints only messages it has not shown yet; the snapshot is
// monotonically growing, so the seen count is enough state.
type renderer struct {
	self string
	seen int
}

func newRenderer(self string) *renderer {
	return &renderer{self: self}
}

func (r *renderer) render(msgs []chat.Message) {
	for ; r.seen < len(msgs); r.seen++ {
		m := msgs[r.seen]
		style := authorStyle
		if m.Author == r.self {
			style = selfStyle
		}
		fmt.Printf("%s %s\n", style.Render(m.Author+":"), m.Content)
	}
}
