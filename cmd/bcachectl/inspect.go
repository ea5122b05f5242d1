package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	bcache "github.com/calvinalkan/bcachecore"
	"github.com/calvinalkan/bcachecore/internal/codec"
)

var inspectCommands = []string{"insert", "search", "gc", "stat", "help", "quit"}

func cmdInspect(out, errOut *os.File, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(errOut, "error: inspect requires exactly one path argument")
		return 1
	}

	cs, err := openFresh(args[0], 64, 4096, 4)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer cs.Close(context.Background())

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string
		for _, c := range inspectCommands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
		return out
	})

	fmt.Fprintln(out, "bcachectl inspect — type 'help' for commands, 'quit' to exit")

	for {
		input, err := line.Prompt("bcache> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return 0
			}

			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if code, quit := dispatchInspect(cs, out, errOut, input); quit {
			return code
		}
	}
}

func dispatchInspect(cs *bcache.CacheSet, out, errOut *os.File, input string) (code int, quit bool) {
	fields := strings.Fields(input)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return 0, true

	case "help":
		fmt.Fprintln(out, "commands: insert <inode> <end> <size>, search <inode> <sector>, gc, stat, quit")

	case "insert":
		if len(rest) != 3 {
			fmt.Fprintln(errOut, "usage: insert <inode> <end> <size>")
			return 0, false
		}

		inode, end, size, err := parseInsertArgs(rest)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 0, false
		}

		k := codec.Key{Inode: inode, Offset: end, Size: size, Ptrs: []codec.Ptr{{Offset: end - uint64(size)}}}
		if err := cs.Insert(context.Background(), []codec.Key{k}); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 0, false
		}

		fmt.Fprintf(out, "inserted inode=%d [%d,%d)\n", inode, k.Start(), end)

	case "search":
		if len(rest) != 2 {
			fmt.Fprintln(errOut, "usage: search <inode> <sector>")
			return 0, false
		}

		inode, sector, err := parseSearchArgs(rest)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 0, false
		}

		k, ok, err := cs.Search(inode, sector)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 0, false
		}

		if !ok {
			fmt.Fprintln(out, "miss")
			return 0, false
		}

		fmt.Fprintf(out, "hit: inode=%d [%d,%d) ptrs=%d\n", k.Inode, k.Start(), k.Offset, len(k.Ptrs))

	case "gc":
		if err := cs.RunGC(); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 0, false
		}

		fmt.Fprintf(out, "moving-gc candidates: %v\n", cs.MovingGCCandidates())

	case "stat":
		sb := cs.Superblock()
		fmt.Fprintf(out, "buckets=%d bucket-size=%d journal-buckets=%d\n", sb.NBuckets, sb.BucketSize, len(sb.JournalBuckets))
		fmt.Fprintf(out, "moving-gc candidates: %v\n", cs.MovingGCCandidates())

	default:
		fmt.Fprintf(errOut, "unknown command %q, try 'help'\n", cmd)
	}

	return 0, false
}

func parseInsertArgs(args []string) (inode uint32, end uint64, size uint16, err error) {
	i, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, 0, 0, err
	}

	e, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}

	s, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return 0, 0, 0, err
	}

	return uint32(i), e, uint16(s), nil
}

func parseSearchArgs(args []string) (inode uint32, sector uint64, err error) {
	i, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}

	s, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	return uint32(i), s, nil
}
