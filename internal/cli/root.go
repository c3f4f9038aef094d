package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PipeOpsHQ/trusted-trading/internal/config"
)

// Run dispatches one command. Serving commands block until ctx is cancelled.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return nil
	}
	if err := config.LoadDotenv(); err != nil {
		return err
	}

	switch strings.TrimSpace(args[0]) {
	case "orchestrator":
		return runOrchestrator(ctx)
	case "risk":
		return runRisk(ctx)
	case "broker":
		return runBroker(ctx)
	case "sim":
		return runSim(ctx)
	case "verify":
		return runVerify(args[1:], stdout)
	case "keygen":
		return runKeygen(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "trusted-trading")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  trusted-trading orchestrator          serve the trade API (ORCHESTRATOR_ADDR, default :7005)")
	fmt.Fprintln(w, "  trusted-trading risk                  serve the risk agent (RISK_ADDR, default :7002)")
	fmt.Fprintln(w, "  trusted-trading broker                serve the broker agent (BROKER_ADDR, default :7003)")
	fmt.Fprintln(w, "  trusted-trading sim                   serve the market simulator (SIM_ADDR, default :7001)")
	fmt.Fprintln(w, "  trusted-trading verify <json> <pub>   check the signature of a verdict or receipt")
	fmt.Fprintln(w, "  trusted-trading keygen <dir> <name>   write <name>_priv.pem and <name>_pub.pem")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  ENV_FILE                     dotenv file read at startup (default .env)")
	fmt.Fprintln(w, "  DESCOPE_TOKEN_URL            token endpoint used by the orchestrator")
	fmt.Fprintln(w, "  DESCOPE_ISSUER               expected iss of incoming tokens")
	fmt.Fprintln(w, "  DESCOPE_JWKS_URL             key set used to check incoming tokens")
	fmt.Fprintln(w, "  TOKEN_PROFILES_FILE          YAML credential profiles, instead of ORCH_* variables")
	fmt.Fprintln(w, "  STATE_BACKEND                sqlite (default) or postgres")
	fmt.Fprintln(w, "  REDIS_ADDR                   optional cross-process ledger notifications")
	fmt.Fprintln(w, "  LOG_VERBOSITY                0 (default) and up")
}
