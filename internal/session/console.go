package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// ExitMessage is printed when the console session ends.
const ExitMessage = "Exiting RepoManager session."

const rule = "=================================================================="

// Console is the line-oriented terminal surface of a session.
type Console struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewConsole reads lines from in and writes to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Console{in: sc, out: out}
}

// Banner prints the welcome box.
func (c *Console) Banner() {
	bold := color.New(color.FgCyan, color.Bold)
	fmt.Fprintf(c.out, "\n\n%s\n", rule)
	bold.Fprintln(c.out, "                      Welcome to RepoManager                     ")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "A multi-agent AI tool to assist in development and version control")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, rule)
}

// AskDirectory prompts until an existing directory is entered.
func (c *Console) AskDirectory() (string, error) {
	return c.ask("Enter the file path of your project: ",
		"Invalid directory. Please enter a valid path.",
		func(s string) bool {
			info, err := os.Stat(s)
			return err == nil && info.IsDir()
		})
}

// AskRepository prompts until a non-empty repository link is entered.
func (c *Console) AskRepository() (string, error) {
	return c.ask("Enter your GitHub repository link: ",
		"Invalid repository. Please enter a valid GitHub repository link",
		func(string) bool { return true })
}

func (c *Console) ask(prompt, invalid string, valid func(string) bool) (string, error) {
	for {
		fmt.Fprint(c.out, prompt)
		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		answer := strings.TrimSpace(c.in.Text())
		if answer != "" && valid(answer) {
			return answer, nil
		}
		fmt.Fprintln(c.out, invalid)
	}
}

// Run drives s until the exit keyword, end of input or cancellation of ctx.
// Failed turns are printed and the prompt returns. Cancelling ctx abandons
// a running turn and prints the exit message once.
func (c *Console) Run(ctx context.Context, s *Session) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for c.in.Scan() {
			select {
			case lines <- c.in.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- c.in.Err()
	}()

	heading := color.New(color.FgGreen, color.Bold)
	for {
		fmt.Fprintf(c.out, "\nRequest (type '%s' to exit): ", s.ExitKeyword())

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintf(c.out, "\n%s\n", ExitMessage)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintf(c.out, "\n%s\n", ExitMessage)
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		out, err := s.Handle(ctx, line)
		if ctx.Err() != nil {
			fmt.Fprintf(c.out, "\n%s\n", ExitMessage)
			return nil
		}
		switch {
		case err != nil:
			fmt.Fprintln(c.out, color.RedString("Error: %v", err))
		case out.Exit:
			fmt.Fprintln(c.out, ExitMessage)
			return nil
		case out.Skipped:
		default:
			fmt.Fprintln(c.out)
			heading.Fprintln(c.out, "AI Agent Response:")
			fmt.Fprintln(c.out, out.Result.Text)
		}
	}
}
