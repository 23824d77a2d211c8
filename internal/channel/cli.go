package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"novabot/internal/agent"
	"novabot/internal/domain"
	"novabot/internal/memory"
	"novabot/internal/usage"
)

var _ domain.Channel = (*CLI)(nil)

// CLI is an interactive terminal chat. With a store, each session is saved
// as a conversation and its history is replayed to the engine.
type CLI struct {
	engine       Conversational
	store        *memory.Store
	ledger       *usage.Ledger
	identity     agent.ConversationContext
	model        string
	historyLimit int
	logger       *slog.Logger
	in           io.Reader
	out          io.Writer
	spinner      bool
	thinking     bool
	thinkMu      sync.Mutex
	thinkStop    chan struct{}
	thinkDone    chan struct{}
	convID       string
	history      []domain.Message
}

type CLIConfig struct {
	Engine       Conversational
	Store        *memory.Store // nil keeps history in memory only
	Ledger       *usage.Ledger
	UserID       string
	TenantID     string
	CompanyID    string
	Model        string
	HistoryLimit int
	Spinner      bool
	Logger       *slog.Logger
	In           io.Reader
	Out          io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserID == "" {
		cfg.UserID = "cli"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		engine: cfg.Engine,
		store:  cfg.Store,
		ledger: cfg.Ledger,
		identity: agent.ConversationContext{
			UserID:    cfg.UserID,
			TenantID:  cfg.TenantID,
			CompanyID: cfg.CompanyID,
		},
		model:        cfg.Model,
		historyLimit: cfg.HistoryLimit,
		spinner:      cfg.Spinner,
		logger:       cfg.Logger,
		in:           cfg.In,
		out:          cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, /quit or context cancellation.
func (c *CLI) Start(ctx context.Context) error {
	_, _ = fmt.Fprintln(c.out, "novabot. Ask a question and press Enter. /new starts over, /usage shows spend, /quit exits.")
	_, _ = fmt.Fprint(c.out, "You> ")

	lines := make(chan string)
	errc := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-errc
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
		case "/quit", "/exit", "/q":
			c.logger.Info("user requested quit")
			return nil
		case "/new":
			c.convID = ""
			c.history = nil
			_, _ = fmt.Fprintln(c.out, "Started a new conversation.")
		case "/usage":
			c.printUsage()
		case "/history":
			c.printConversations(ctx)
		default:
			c.ask(ctx, line)
		}
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

func (c *CLI) ask(ctx context.Context, question string) {
	cc := c.identity
	cc.History = c.history

	c.startThinking()
	start := time.Now()
	res := c.engine.Converse(ctx, question, cc)
	c.stopThinking()

	_, _ = fmt.Fprintln(c.out, "--- novabot ---")
	_, _ = fmt.Fprintln(c.out, res.Answer)
	if res.Query != "" {
		_, _ = fmt.Fprintf(c.out, "(query: %s)\n", res.Query)
	}
	_, _ = fmt.Fprintln(c.out, "---------------")

	c.history = append(c.history,
		domain.Message{Role: "user", Content: question},
		domain.Message{Role: "assistant", Content: res.Answer},
	)
	if len(c.history) > c.historyLimit {
		c.history = c.history[len(c.history)-c.historyLimit:]
	}
	c.persist(ctx, question, res, time.Since(start))
}

func (c *CLI) persist(ctx context.Context, question string, res agent.Result, d time.Duration) {
	if c.store == nil {
		return
	}
	if c.convID == "" {
		conv, err := c.store.CreateConversation(ctx, c.identity.UserID, truncateTitle(question), c.model)
		if err != nil {
			c.logger.Warn("failed to create conversation", "err", err)
			return
		}
		c.convID = conv.ID
	}
	reply := domain.MessageRecord{Role: "assistant", Content: res.Answer, ToolsUsed: res.ToolsUsed, LatencyMs: d.Milliseconds()}
	if res.Usage != nil {
		reply.TokensIn = res.Usage.InputTokens
		reply.TokensOut = res.Usage.OutputTokens
	}
	for _, m := range []domain.MessageRecord{{Role: "user", Content: question}, reply} {
		if err := c.store.AddMessage(ctx, c.convID, m); err != nil {
			c.logger.Warn("failed to save message", "err", err)
			return
		}
	}
}

// Resume continues a stored conversation, loading its recent history.
func (c *CLI) Resume(ctx context.Context, convID string) error {
	if c.store == nil {
		return fmt.Errorf("conversation history is disabled")
	}
	conv, err := c.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv == nil || conv.UserID != c.identity.UserID {
		return fmt.Errorf("conversation %s not found", convID)
	}
	hist, err := c.store.History(ctx, convID, c.historyLimit)
	if err != nil {
		return err
	}
	c.convID = convID
	c.history = hist
	return nil
}

func (c *CLI) printUsage() {
	if c.ledger == nil {
		return
	}
	s := c.ledger.Stats()
	_, _ = fmt.Fprintf(c.out, "Requests: %d  Tokens: %d  Cost: $%.4f\n", s.TotalRequests, s.TotalTokens, s.TotalCostUSD)
}

func (c *CLI) printConversations(ctx context.Context) {
	if c.store == nil {
		_, _ = fmt.Fprintln(c.out, "Conversation history is disabled.")
		return
	}
	convs, err := c.store.ListConversations(ctx, c.identity.UserID, 10)
	if err != nil {
		c.logger.Warn("failed to list conversations", "err", err)
		return
	}
	for _, conv := range convs {
		_, _ = fmt.Fprintf(c.out, "%s  %s  %s\n", conv.ID, conv.UpdatedAt.Local().Format(time.DateTime), conv.Title)
	}
}

func truncateTitle(s string) string {
	r := []rune(s)
	if len(r) <= 60 {
		return s
	}
	return string(r[:60]) + "..."
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				fmt.Fprint(c.out, "\r\033[K") // clear spinner line
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
