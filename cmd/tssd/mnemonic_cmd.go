package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sage-x-project/tssd/mnemonic"
)

// readPhrase reads a single line BIP-39 phrase from stdin, required by
// --mnemonic=import (spec.md §4.4: "Read phrase from stdin, validate,
// store").
func readPhrase() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stderr, "mnemonic phrase: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// runMnemonicCommand dispatches the --mnemonic command against mn and
// reports whether the daemon should go on to serve. Per spec.md §6's
// exit codes, only "existing" falls through to serving; the other four
// run to completion and the process exits 0 right after.
func runMnemonicCommand(mn *mnemonic.Manager, cmd mnemonic.Command) (serve bool, err error) {
	var phrase string
	if cmd == mnemonic.Import {
		phrase, err = readPhrase()
		if err != nil {
			return false, err
		}
	}
	if err := mn.Dispatch(cmd, phrase); err != nil {
		return false, fmt.Errorf("mnemonic %s: %w", cmd, err)
	}
	return cmd == mnemonic.Existing, nil
}
