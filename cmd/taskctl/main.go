package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/taskd/internal/client"
	"github.com/danmuck/taskd/internal/logging"
	"github.com/danmuck/taskd/internal/protocol"
)

func main() {
	logging.ConfigureRuntime()
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run returns 0 on a digest, 1 on a failed task or request error, 2 on bad usage.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:8080", "taskd address")
	alg := fs.String("alg", "sha256", "hash algorithm")
	remote := fs.Bool("remote", false, "send the path as a remote path")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	retries := fs.Int("retries", 1, "dial attempts before giving up")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: taskctl [flags] <path>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	algorithm, err := protocol.ParseHashAlgorithm(*alg)
	if err != nil {
		fmt.Fprintf(stderr, "taskctl: %v\n", err)
		return 2
	}
	path := protocol.LocalPath(fs.Arg(0))
	if *remote {
		path = protocol.RemotePath(fs.Arg(0))
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	opts := client.DefaultOptions()
	opts.RequestTimeout = *timeout
	backoff := client.DefaultBackoff()
	backoff.Attempts = *retries
	c, err := client.DialRetry(ctx, *addr, opts, backoff)
	if err != nil {
		fmt.Fprintf(stderr, "taskctl: %v\n", err)
		return 1
	}
	defer c.Close()

	resp, err := c.Hash(ctx, algorithm, path)
	if err != nil {
		fmt.Fprintf(stderr, "taskctl: %v\n", err)
		return 1
	}
	if !resp.OK() {
		fmt.Fprintln(stdout, "failed")
		return 1
	}
	fmt.Fprintln(stdout, resp.Digest)
	return 0
}
