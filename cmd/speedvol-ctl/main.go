package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// ============================================================================
// speedvol-ctl - Command-line IPC Client
// ============================================================================
// This tool sends actions to the speedvold daemon via IPC.
//
// Usage:
//   speedvol-ctl toggle
//   speedvol-ctl add-profile "Night drive"
//   speedvol-ctl activate <profile-id>
//   speedvol-ctl delete-profile <profile-id>
//   speedvol-ctl dismiss-ad
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/speedvold.sock)
// ============================================================================

// Action types (duplicated from the daemon package for standalone binary)
type Action interface{}

type ToggleMaster struct{}

type AddProfile struct {
	Name string `json:"name"`
}

type DeleteProfile struct {
	ID string `json:"id"`
}

type SetActiveProfile struct {
	ID string `json:"id"`
}

type DismissAd struct{}

// ActionEnvelope wraps actions for JSON
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func main() {
	socketPath := "/tmp/speedvold.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Check for -socket flag
	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var action Action

	switch args[0] {
	case "toggle", "toggle-master":
		action = ToggleMaster{}

	case "add-profile", "add":
		name := ""
		if len(args) >= 2 {
			name = args[1]
		}
		action = AddProfile{Name: name}

	case "delete-profile", "delete":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: delete-profile requires a profile id\n")
			os.Exit(1)
		}
		action = DeleteProfile{ID: args[1]}

	case "activate":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: activate requires a profile id\n")
			os.Exit(1)
		}
		action = SetActiveProfile{ID: args[1]}

	case "dismiss-ad":
		action = DismissAd{}

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err := sendAction(socketPath, action); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("ok")
}

func sendAction(socketPath string, action Action) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := marshalAction(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	// Send action (line-delimited JSON)
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send action: %w", err)
	}

	var response IPCResponse
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}

	return nil
}

func marshalAction(action Action) ([]byte, error) {
	var env ActionEnvelope

	switch a := action.(type) {
	case ToggleMaster:
		env.Type = "toggle_master"

	case DismissAd:
		env.Type = "dismiss_ad"

	case AddProfile:
		env.Type = "add_profile"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal AddProfile: %w", err)
		}
		env.Data = data

	case DeleteProfile:
		env.Type = "delete_profile"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal DeleteProfile: %w", err)
		}
		env.Data = data

	case SetActiveProfile:
		env.Type = "set_active_profile"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal SetActiveProfile: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unknown action type: %T", action)
	}

	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `speedvol-ctl - Control the speedvold daemon via IPC

Usage:
  speedvol-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/speedvold.sock)

Commands:
  toggle, toggle-master     Toggle speed-adaptive volume on/off
  add-profile, add [name]   Create a new profile (use activate to switch to it)
  delete-profile, delete <id>  Delete a profile by id
  activate <id>             Switch the active profile
  dismiss-ad                Dismiss the currently visible ad
  help, -h, --help          Show this help message

Examples:
  speedvol-ctl toggle
  speedvol-ctl add-profile "Night drive"
  speedvol-ctl -socket /var/run/speedvold.sock activate 4f1c...
`)
}
