// Command loadgen drives a Redis-protocol workload through the relay: one
// connection issuing SET key_<i> <random int> and checking every reply.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/mitmrelay/logger"
)

type flags struct {
	Addr        string
	Keys        int
	ValueDigits int
	Timeout     time.Duration
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:          "loadgen",
		Short:        "Insert keys through a mitmrelay instance",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logger.Options{Service: "loadgen", Level: "info", Format: logger.FormatConsole})
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), f.Timeout)
			defer cancel()

			return insertKeys(ctx, f, log)
		},
	}

	command.Flags().StringVarP(&f.Addr, "addr", "a", "127.0.0.1:9999", "Relay address.")
	command.Flags().IntVarP(&f.Keys, "keys", "n", 1000, "Number of keys to set.")
	command.Flags().IntVar(&f.ValueDigits, "value-digits", 5, "Decimal digits of each random value.")
	command.Flags().DurationVar(&f.Timeout, "timeout", time.Minute, "Overall time limit.")

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

// newClient opens a single RESP2 connection. Client identity reporting is off
// so the capture holds the HELLO probe and the workload only.
func newClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		PoolSize:        1,
		MinIdleConns:    0,
		MaxRetries:      -1,
		DisableIdentity: true,
	})
}

func insertKeys(ctx context.Context, f *flags, log logger.Logger) error {
	if f.Keys < 0 {
		return fmt.Errorf("keys must not be negative, got %d", f.Keys)
	}

	if f.ValueDigits < 1 || f.ValueDigits > 18 {
		return fmt.Errorf("value-digits must be between 1 and 18, got %d", f.ValueDigits)
	}

	rdb := newClient(f.Addr)
	defer rdb.Close()

	limit := int64(math.Pow10(f.ValueDigits))
	start := time.Now()
	for i := 0; i < f.Keys; i++ {
		key := fmt.Sprintf("key_%d", i)
		reply, err := rdb.Set(ctx, key, rand.Int63n(limit), 0).Result()
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}

		if reply != "OK" {
			return fmt.Errorf("set %s: unexpected reply %q", key, reply)
		}
	}

	log.Info("keys inserted",
		logger.Field{Key: "addr", Value: f.Addr},
		logger.Field{Key: "keys", Value: f.Keys},
		logger.Field{Key: "elapsed", Value: time.Since(start).String()})

	return nil
}
