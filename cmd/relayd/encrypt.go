package main

import (
	"fmt"
	"io"
	"os"

	"relaycore/internal/infra/config"
)

// runEncrypt prints "enc:<ciphertext>" for a secret so it can be pasted into
// config.yaml. The passphrase comes from RELAYCORE_CONFIG_KEY.
func runEncrypt(args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: relayd encrypt <secret>")
	}
	passphrase := os.Getenv("RELAYCORE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("RELAYCORE_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enc:%s\n", enc)
	return err
}
