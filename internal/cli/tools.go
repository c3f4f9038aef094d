package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/PipeOpsHQ/trusted-trading/signer"
)

var errInvalidSignature = errors.New("signature is not valid")

func runVerify(args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: verify <signed.json> <public.pem>")
	}
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	pub, err := signer.LoadPublicPEM(args[1])
	if err != nil {
		return err
	}
	ok, err := signer.VerifyDocument(doc, pub)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(stdout, "invalid")
		return errInvalidSignature
	}
	fmt.Fprintln(stdout, "valid")
	return nil
}

func runKeygen(args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: keygen <dir> <name>")
	}
	privPath, pubPath, err := signer.GenerateKeyPair(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, privPath)
	fmt.Fprintln(stdout, pubPath)
	return nil
}
