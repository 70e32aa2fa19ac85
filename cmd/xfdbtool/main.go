// Command xfdbtool is a small operator CLI over an xfdb database
// directory: open a DB, inspect or mutate one bucket's keys, and kick off
// a full merge. Subcommand dispatch follows the same Command-struct shape
// the example tooling in this project's lineage uses: one pflag.FlagSet
// per subcommand, flags parsed before Exec runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/go-kit/log"

	xfdb "github.com/xf-yy/xfdb-go"
)

type command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Exec  func(ctx context.Context, args []string) error
}

func (c *command) name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

func (c *command) run(ctx context.Context, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})
	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printHelp(c)
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if err := c.Exec(ctx, c.Flags.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func printHelp(c *command) {
	fmt.Println("Usage: xfdbtool", c.Usage)
	fmt.Println()
	fmt.Println(c.Short)
	if c.Flags.HasFlags() {
		fmt.Println()
		fmt.Println("Flags:")
		c.Flags.SetOutput(os.Stdout)
		c.Flags.PrintDefaults()
	}
}

var (
	dbDir      string
	bucketName string
)

func commonFlags(fs *flag.FlagSet) {
	fs.StringVarP(&dbDir, "dir", "d", "", "database directory (required)")
	fs.StringVarP(&bucketName, "bucket", "b", "default", "bucket name")
}

func openBucket() (*xfdb.Engine, *xfdb.DB, *xfdb.Bucket, error) {
	if dbDir == "" {
		return nil, nil, nil, fmt.Errorf("--dir is required")
	}
	e, err := xfdb.NewEngine(xfdb.DefaultEngineConfig(), log.NewNopLogger(), nil)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := e.Open(dbDir, xfdb.DBConfig{CreateBucketIfMissing: true})
	if err != nil {
		e.Close()
		return nil, nil, nil, err
	}
	b, err := db.Bucket(bucketName)
	if err != nil {
		db.Close()
		e.Close()
		return nil, nil, nil, err
	}
	return e, db, b, nil
}

func closeAll(e *xfdb.Engine, db *xfdb.DB) {
	db.Close()
	e.Close()
}

func main() {
	cmds := []*command{cmdGet(), cmdSet(), cmdDelete(), cmdAppend(), cmdStat(), cmdMerge(), cmdBuckets()}

	if len(os.Args) < 2 {
		printUsage(cmds)
		os.Exit(1)
	}

	name := os.Args[1]
	for _, c := range cmds {
		if c.name() == name {
			os.Exit(c.run(context.Background(), os.Args[2:]))
		}
	}
	printUsage(cmds)
	os.Exit(1)
}

func printUsage(cmds []*command) {
	fmt.Println("Usage: xfdbtool <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, c := range cmds {
		fmt.Printf("  %-28s %s\n", c.Usage, c.Short)
	}
}

func cmdGet() *command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	commonFlags(fs)
	return &command{
		Flags: fs,
		Usage: "get -d <dir> -b <bucket> <key>",
		Short: "fetch the current value for a key",
		Exec: func(_ context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one key argument")
			}
			e, db, b, err := openBucket()
			if err != nil {
				return err
			}
			defer closeAll(e, db)
			val, err := b.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(val))
			return nil
		},
	}
}

func cmdSet() *command {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	commonFlags(fs)
	return &command{
		Flags: fs,
		Usage: "set -d <dir> -b <bucket> <key> <value>",
		Short: "write a Set record for a key",
		Exec: func(_ context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected key and value arguments")
			}
			e, db, b, err := openBucket()
			if err != nil {
				return err
			}
			defer closeAll(e, db)
			id, err := b.Set([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Println("ok, id =", id)
			return nil
		},
	}
}

func cmdDelete() *command {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	commonFlags(fs)
	return &command{
		Flags: fs,
		Usage: "delete -d <dir> -b <bucket> <key>",
		Short: "write a Delete tombstone for a key",
		Exec: func(_ context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one key argument")
			}
			e, db, b, err := openBucket()
			if err != nil {
				return err
			}
			defer closeAll(e, db)
			_, err = b.Delete([]byte(args[0]))
			return err
		},
	}
}

func cmdAppend() *command {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	commonFlags(fs)
	return &command{
		Flags: fs,
		Usage: "append -d <dir> -b <bucket> <key> <fragment>",
		Short: "append a value fragment onto a key",
		Exec: func(_ context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected key and fragment arguments")
			}
			e, db, b, err := openBucket()
			if err != nil {
				return err
			}
			defer closeAll(e, db)
			_, err = b.Append([]byte(args[0]), []byte(args[1]))
			return err
		},
	}
}

func cmdStat() *command {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	commonFlags(fs)
	return &command{
		Flags: fs,
		Usage: "stat -d <dir> -b <bucket>",
		Short: "print object counts and segment count for a bucket",
		Exec: func(_ context.Context, args []string) error {
			e, db, b, err := openBucket()
			if err != nil {
				return err
			}
			defer closeAll(e, db)
			st := b.Stat()
			fmt.Printf("bucket=%s segments=%d set=%d delete=%d append=%d\n",
				st.Name, st.SegmentCount, st.Stat.SetCount, st.Stat.DeleteCount, st.Stat.AppendCount)
			return nil
		},
	}
}

func cmdMerge() *command {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	commonFlags(fs)
	return &command{
		Flags: fs,
		Usage: "merge -d <dir> -b <bucket>",
		Short: "run a full merge across every alive segment in a bucket",
		Exec: func(_ context.Context, _ []string) error {
			e, db, b, err := openBucket()
			if err != nil {
				return err
			}
			defer closeAll(e, db)
			return b.FullMerge()
		},
	}
}

func cmdBuckets() *command {
	fs := flag.NewFlagSet("buckets", flag.ContinueOnError)
	fs.StringVarP(&dbDir, "dir", "d", "", "database directory (required)")
	return &command{
		Flags: fs,
		Usage: "buckets -d <dir>",
		Short: "list the buckets alive in a database directory",
		Exec: func(_ context.Context, _ []string) error {
			if dbDir == "" {
				return fmt.Errorf("--dir is required")
			}
			e, err := xfdb.NewEngine(xfdb.DefaultEngineConfig(), log.NewNopLogger(), nil)
			if err != nil {
				return err
			}
			db, err := e.Open(dbDir, xfdb.DBConfig{})
			if err != nil {
				e.Close()
				return err
			}
			defer closeAll(e, db)
			for _, name := range db.Buckets() {
				fmt.Println(name)
			}
			return nil
		},
	}
}
