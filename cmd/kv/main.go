// Command kv is a toy replicated key-value store on top of the raft
// engine: "serve" runs a cluster node, the remaining subcommands are thin
// HTTP clients against a running node's control port (see httpapi.go),
// mirroring the split between the teacher's long-running server process
// and its apiServer status surface. No subcommand/flag library appears
// anywhere in the example pack, so subcommands are dispatched by hand over
// the standard flag package rather than reaching for an ungrounded one.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sumimakito/raft"
	boltstore "github.com/sumimakito/raft/store/bbolt"
	grpctransport "github.com/sumimakito/raft/transport/grpc"
)

// Node bundles the engine with the state machine so the control server can
// reach into both.
type Node struct {
	engine *raft.Engine
	sm     *DictionaryStateMachine
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "add-member":
		err = runAddMember(os.Args[2:])
	case "remove-member":
		err = runRemoveMember(os.Args[2:])
	case "stepdown":
		err = runStepDown(os.Args[2:])
	case "set":
		err = runSet(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kv <serve|status|add-member|remove-member|stepdown|set|get> [flags]")
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	name := fs.String("name", "", "this node's id (required)")
	raftAddr := fs.String("raft-addr", "127.0.0.1:7000", "address the raft gRPC transport listens on")
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "address the HTTP control API listens on")
	dataDir := fs.String("data-dir", "raft-data.db", "bbolt database file for persistent state")
	bootstrap := fs.String("bootstrap", "", "comma-separated id=endpoint pairs for the initial voting set (first boot only)")
	forceTopology := fs.Bool("force-new-topology", false, "ignore any persisted topology and reseed from -bootstrap")
	debug := fs.Bool("debug", false, "enable verbose zap development logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	votingNodes := map[string]string{}
	if *bootstrap != "" {
		for _, entry := range strings.Split(*bootstrap, ",") {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid -bootstrap entry %q, want id=endpoint", entry)
			}
			votingNodes[parts[0]] = parts[1]
		}
	}

	store, err := boltstore.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	transport, err := grpctransport.NewServer(*raftAddr)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}
	sm := NewDictionaryStateMachine()

	engine, err := raft.NewEngine(raft.EngineOptions{
		Name:             *name,
		Store:            store,
		Transport:        transport,
		StateMachine:     sm,
		ForceNewTopology: *forceTopology,
		AllVotingNodes:   votingNodes,
		DebugLogging:     *debug,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	node := &Node{engine: engine, sm: sm}
	control := newControlServer(node, *controlAddr)

	errCh := make(chan error, 2)
	go func() { errCh <- engine.Serve() }()
	go func() { errCh <- control.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	_ = control.Close()
	engine.Stop()
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "node's HTTP control address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var resp statusResponse
	if err := controlGet(*controlAddr, "/status", &resp); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runAddMember(args []string) error {
	fs := flag.NewFlagSet("add-member", flag.ExitOnError)
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "node's HTTP control address")
	id := fs.String("id", "", "new member's id (required)")
	endpoint := fs.String("endpoint", "", "new member's raft transport endpoint (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *endpoint == "" {
		return fmt.Errorf("-id and -endpoint are required")
	}
	return controlPost(*controlAddr, "/members/add", memberRequest{ID: *id, Endpoint: *endpoint}, nil)
}

func runRemoveMember(args []string) error {
	fs := flag.NewFlagSet("remove-member", flag.ExitOnError)
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "node's HTTP control address")
	id := fs.String("id", "", "member id to remove (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	return controlPost(*controlAddr, "/members/remove", memberRequest{ID: *id}, nil)
}

func runStepDown(args []string) error {
	fs := flag.NewFlagSet("stepdown", flag.ExitOnError)
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "node's HTTP control address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return controlPost(*controlAddr, "/stepdown", nil, nil)
}

func runSet(args []string) error {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "node's HTTP control address")
	key := fs.String("key", "", "key to set (required)")
	value := fs.String("value", "", "value to set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("-key is required")
	}
	return controlPost(*controlAddr, "/set", setRequest{Key: *key, Value: []byte(*value)}, nil)
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	controlAddr := fs.String("control-addr", "127.0.0.1:7001", "node's HTTP control address")
	key := fs.String("key", "", "key to read (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("-key is required")
	}
	var resp map[string][]byte
	if err := controlGet(*controlAddr, "/get?key="+*key, &resp); err != nil {
		return err
	}
	fmt.Println(string(resp["value"]))
	return nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func controlGet(addr, path string, out interface{}) error {
	resp, err := httpClient.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("control server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func controlPost(addr, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := httpClient.Post("http://"+addr+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("control server returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
