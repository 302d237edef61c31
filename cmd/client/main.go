/*
Package main is a command-line client for the market data daemon.

Usage:

	go run ./cmd/client [flags] <command>

Commands:

	snapshot     print the current snapshot of every symbol
	history      print the last -count candles of -period for every symbol
	book         print the order book of every symbol
	subscribe    keep the symbols subscribed on the daemon
	unsubscribe  drop the daemon subscriptions
	stats        print cache statistics
	watch        stream data events until interrupted

Example:

	go run ./cmd/client -addr=localhost:50051 -symbols=AAPL,MSFT watch
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"marketfeed/internal/service"
)

var (
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	symbols    = flag.String("symbols", "AAPL,MSFT", "Comma-separated list of symbols")
	period     = flag.String("period", "1m", "Candle period for the history command")
	count      = flag.Int("count", 20, "Number of candles for the history command")
	types      = flag.String("types", "", "Comma-separated data event types for watch; empty means all")
	timeout    = flag.Duration("timeout", 10*time.Second, "Deadline of unary calls")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	command := flag.Arg(0)
	if err := validateConfig(command); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := service.NewMarketDataClient(conn)
	symbolList := splitList(*symbols)

	if command == "watch" {
		if err := watch(ctx, client, symbolList, splitList(*types), os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("watch failed")
		}
		return
	}

	callCtx, done := context.WithTimeout(ctx, *timeout)
	defer done()

	if command == "stats" {
		reply, err := client.Stats(callCtx, &service.StatsRequest{})
		if err != nil {
			log.Fatal().Err(err).Msg("stats failed")
		}
		printJSON(os.Stdout, reply)
		return
	}

	failed := false
	for _, symbol := range symbolList {
		reply, err := unary(callCtx, client, command, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Str("command", command).Msg("request failed")
			failed = true
			continue
		}
		printJSON(os.Stdout, reply)
	}
	if failed {
		os.Exit(1)
	}
}

func unary(ctx context.Context, client *service.MarketDataClient, command, symbol string) (any, error) {
	req := &service.SymbolRequest{Symbol: symbol}
	switch command {
	case "snapshot":
		return client.GetSnapshot(ctx, req)
	case "history":
		return client.GetHistory(ctx, &service.HistoryRequest{Symbol: symbol, Period: *period, Count: *count})
	case "book":
		return client.GetOrderBook(ctx, req)
	case "subscribe":
		return client.Subscribe(ctx, req)
	case "unsubscribe":
		return client.Unsubscribe(ctx, req)
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// watch prints every received event as one JSON line until the stream ends
// or ctx is cancelled.
func watch(ctx context.Context, client *service.MarketDataClient, symbols, types []string, out io.Writer) error {
	stream, err := client.Watch(ctx, &service.WatchRequest{Symbols: symbols, Types: types})
	if err != nil {
		return fmt.Errorf("could not watch: %w", err)
	}
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive event: %w", err)
		}
		printJSON(out, ev)
	}
}

func printJSON(out io.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(b))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var commands = map[string]bool{
	"snapshot": true, "history": true, "book": true, "subscribe": true,
	"unsubscribe": true, "stats": true, "watch": true,
}

func validateConfig(command string) error {
	if !commands[command] {
		return fmt.Errorf("unknown command %q", command)
	}
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if command != "stats" && len(splitList(*symbols)) == 0 {
		return fmt.Errorf("symbols list cannot be empty")
	}
	return nil
}
