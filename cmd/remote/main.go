package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/npezzotti/go-qna/internal/client"
	"github.com/npezzotti/go-qna/internal/config"
	"go.uber.org/zap"
)

var (
	baseURL  string
	eventUid string
	token    string
	logLevel string
)

func main() {
	flag.StringVar(&baseURL, "url", "http://localhost:8000", "server base url")
	flag.StringVar(&eventUid, "event", "", "event uid to follow")
	flag.StringVar(&token, "token", os.Getenv("QNA_TOKEN"), "session token for voting and reacting")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Parse()

	if eventUid == "" {
		log.Fatal("-event is required")
	}

	logger, err := config.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	governor := client.NewGovernor(func(s client.GovernorState) {
		fmt.Printf("-- submissions: %s\n", s)
	})
	submitter := client.NewSubmitter(baseURL, token, nil, governor, logger)

	rec := client.NewReconciler(eventUid, client.NewFetcher(baseURL, token, nil), logger, client.ReconcilerOptions{
		OnChange: printState,
		OnEffect: func(e client.Effect) {
			fmt.Printf("-- reaction #%d\n", e.Key)
		},
	})
	defer rec.Close()

	if err := rec.Refresh(ctx); err != nil {
		logger.Fatal("initial refresh", zap.Error(err))
	}

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- client.NewFeed(baseURL, eventUid, rec, logger).Run(ctx)
	}()

	go readCommands(ctx, submitter, governor)

	if err := <-feedErr; err != nil {
		logger.Error("live feed stopped", zap.Error(err))
	}
}

func printState(s client.State) {
	if s.Err != nil {
		fmt.Printf("-- refresh failed: %v\n", s.Err)
		return
	}

	questions := append(s.Event.Questions[:0:0], s.Event.Questions...)
	sort.SliceStable(questions, func(i, j int) bool {
		return s.Votes.Counts[questions[i].Id] > s.Votes.Counts[questions[j].Id]
	})

	fmt.Printf("== %s (%s)\n", s.Event.Title, s.Event.Speaker)
	for _, q := range questions {
		fmt.Printf("  [%d] %3d  %s\n", q.Id, s.Votes.Counts[q.Id], q.Text)
	}
}

// readCommands accepts "ask <text>", "vote <id>", "unvote <id>" and
// "react" on stdin.
func readCommands(ctx context.Context, s *client.Submitter, g *client.Governor) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")

		var err error
		switch cmd {
		case "":
			continue
		case "ask":
			_, err = s.Ask(ctx, eventUid, arg)
		case "vote", "unvote":
			id, convErr := strconv.Atoi(arg)
			if convErr != nil {
				fmt.Println("usage: vote|unvote <question id>")
				continue
			}
			if cmd == "vote" {
				err = s.Vote(ctx, id)
			} else {
				err = s.Unvote(ctx, id)
			}
		case "react":
			_, err = s.React(ctx, eventUid)
		default:
			fmt.Println("commands: ask <text>, vote <id>, unvote <id>, react")
			continue
		}

		var limited *client.RateLimitedError
		switch {
		case errors.As(err, &limited):
			fmt.Println("-- slow down")
			g.ResetAfter(limited.RetryAfter)
		case err != nil:
			fmt.Printf("-- %v\n", err)
		}
	}
}
