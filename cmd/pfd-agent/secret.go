package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/pfd-agent/internal/pairing"
)

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a pairing phrase for serving.secret_hash",
		Long: `Prompt for a pairing phrase and print the bcrypt hash to put in
serving.secret_hash. Peers pair with this node by typing the same phrase.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase, err := readPhrase(os.Stdin, cmd.ErrOrStderr(), "Pairing phrase: ", true)
			if err != nil {
				return err
			}
			hash, err := pairing.HashSecret(phrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readPhrase reads a phrase from in. A terminal gets a prompt without echo,
// and confirm asks for the phrase twice. Anything else is read as one line.
func readPhrase(in *os.File, prompt io.Writer, label string, confirm bool) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return readLine(in)
	}

	fmt.Fprint(prompt, label)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	if len(first) == 0 {
		return "", pairing.ErrEmptyPhrase
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(prompt, "Repeat phrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("phrases do not match")
	}
	return string(first), nil
}

// readLine reads the first line of r without its line ending.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", pairing.ErrEmptyPhrase
	}
	return line, nil
}
