// Command kestrel is the interactive shell: a line-oriented REPL that
// buffers input until the completion detector sees a statement
// boundary, then executes and renders the result rows.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	kestrel "github.com/kestreldb/kestrel"
	"github.com/kestreldb/kestrel/internal/tokenizer"
)

var cli struct {
	Database string `arg:"" optional:"" help:"Database file; omit for an in-memory database."`
	Exec     string `short:"e" name:"exec" help:"Execute the given SQL and exit."`
	Trace    bool   `help:"Print every VM instruction as it executes."`
	Seed     string `help:"Deterministic seed for rowid selection."`
	Header   bool   `default:"true" negatable:"" help:"Print column headers."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("kestrel"),
		kong.Description("kestrel - an embeddable SQL database engine"),
		kong.UsageOnError(),
	)

	opts := &kestrel.Options{}
	if cli.Trace {
		opts.Trace = os.Stderr
	}
	if cli.Seed != "" {
		opts.Seed = []byte(cli.Seed)
	}
	path := cli.Database
	if path == "" {
		path = kestrel.MemoryPath
	}
	conn, err := kestrel.Open(path, opts)
	kctx.FatalIfErrorf(err)
	defer conn.Close()

	if cli.Exec != "" {
		kctx.FatalIfErrorf(run(conn, cli.Exec))
		return
	}
	repl(conn)
}

// run executes a script, rendering rows through a tab writer.
func run(conn *kestrel.Conn, script string) error {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush()
	headerDone := false
	err := conn.Exec(script, func(values, names []string) error {
		if cli.Header && !headerDone {
			fmt.Fprintln(w, strings.Join(names, "\t"))
			headerDone = true
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
		return nil
	})
	return err
}

func repl(conn *kestrel.Conn) {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var buf strings.Builder

	prompt := func() {
		if buf.Len() == 0 {
			fmt.Print("kestrel> ")
		} else {
			fmt.Print("    ...> ")
		}
	}

	prompt()
	for in.Scan() {
		line := in.Text()
		if buf.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), ".") {
			if done := dotCommand(conn, strings.TrimSpace(line)); done {
				return
			}
			prompt()
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		if tokenizer.IsComplete([]byte(buf.String())) {
			if err := run(conn, buf.String()); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			buf.Reset()
		}
		prompt()
	}
}

// dotCommand handles the shell's meta commands; returns true to exit.
func dotCommand(conn *kestrel.Conn, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".quit", ".exit":
		return true
	case ".help":
		fmt.Println(`.tables          list tables
.schema [NAME]   show CREATE statements
.quit            exit`)
	case ".tables":
		err := conn.Exec(
			"SELECT name FROM __catalog__ WHERE type = 'table' ORDER BY name",
			func(values, _ []string) error {
				fmt.Println(values[0])
				return nil
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	case ".schema":
		sql := "SELECT sql FROM __catalog__ ORDER BY name"
		if len(fields) > 1 {
			sql = "SELECT sql FROM __catalog__ WHERE tbl_name = '" + fields[1] + "' ORDER BY name"
		}
		err := conn.Exec(sql, func(values, _ []string) error {
			if values[0] != "" {
				fmt.Println(values[0] + ";")
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try .help)\n", fields[0])
	}
	return false
}
