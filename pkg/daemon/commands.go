package daemon

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kvmesh/kvmesh/pkg/crypto"
	"github.com/kvmesh/kvmesh/pkg/meshnet"
	"github.com/kvmesh/kvmesh/pkg/protocol"
)

// handleCommand parses and executes one line read from stdin, returning
// text to print to the operator (empty for no output).
func (d *Daemon) handleCommand(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "add":
		return d.cmdAdd(args)
	case "get":
		return d.cmdGet(args)
	case "delete":
		return d.cmdDelete(args)
	case "list":
		return d.cmdList()
	case "status":
		return d.cmdStatus()
	case "announce-key":
		d.announceKey()
		return "key announcement sent"
	case "request-keys":
		d.requestMissingKeys()
		return "key requests sent"
	case "request-whitelist":
		return d.cmdRequestWhitelist(args)
	case "recommend-peer":
		return d.cmdRecommendPeer(args)
	case "cleanup":
		removed := d.peers.CleanupStale()
		return fmt.Sprintf("removed %d stale peer(s)", len(removed))
	case "reload-cache":
		if err := d.trust.Reload(d.ctx); err != nil {
			return "error: " + err.Error()
		}
		return "trust cache reloaded"
	case "whitelist":
		return d.cmdWhitelist(args)
	default:
		return fmt.Sprintf("unknown command: %s", cmd)
	}
}

func (d *Daemon) cmdAdd(args []string) string {
	if len(args) < 2 {
		return "usage: add <key> <value>"
	}
	key, value := args[0], strings.Join(args[1:], " ")
	rec, err := d.store.PutLocal(d.ctx, key, value)
	if err != nil {
		return "error: " + err.Error()
	}
	metricStoreMutations.Add(d.ctx, 1)
	_ = d.Publish(protocol.KindPut, protocol.Put{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp})
	return fmt.Sprintf("ok %s=%s", rec.Key, rec.Value)
}

func (d *Daemon) cmdGet(args []string) string {
	if len(args) != 1 {
		return "usage: get <key>"
	}
	value, ok, err := d.store.Get(d.ctx, args[0])
	if err != nil {
		return "error: " + err.Error()
	}
	if !ok {
		return "(not found)"
	}
	return value
}

func (d *Daemon) cmdDelete(args []string) string {
	if len(args) != 1 {
		return "usage: delete <key>"
	}
	rec, err := d.store.DeleteLocal(d.ctx, args[0])
	if err != nil {
		return "error: " + err.Error()
	}
	metricStoreMutations.Add(d.ctx, 1)
	_ = d.Publish(protocol.KindDelete, protocol.Delete{Key: rec.Key, Timestamp: rec.Timestamp})
	return fmt.Sprintf("deleted %s", rec.Key)
}

func (d *Daemon) cmdList() string {
	records, err := d.store.List(d.ctx)
	if err != nil {
		return "error: " + err.Error()
	}
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "%s=%s\n", r.Key, r.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) cmdStatus() string {
	active := d.peers.Active()
	var b strings.Builder
	fmt.Fprintf(&b, "peer_id: %s\n", d.self.ID())
	fmt.Fprintf(&b, "listen: %s\n", d.advertiseAddr)
	fmt.Fprintf(&b, "neighbors: %d/%d\n", len(d.overlay.Neighbors()), meshnet.DefaultMeshDegree)
	fmt.Fprintf(&b, "known peers: %d (active %d)\n", d.peers.Count(), len(active))
	fmt.Fprintf(&b, "pending keys: %d\n", len(d.pending.List()))
	fmt.Fprintf(&b, "replay cache: %d\n", d.cache.Len())
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) cmdRequestWhitelist(args []string) string {
	name := ""
	if len(args) > 0 {
		name = strings.Join(args, " ")
	}
	err := d.Publish(protocol.KindWhitelistRequest, protocol.WhitelistRequest{
		Requestor: string(d.self.ID()),
		Name:      name,
		Timestamp: time.Now().Unix(),
		UID:       protocol.NewUID(),
	})
	if err != nil {
		return "error: " + err.Error()
	}
	return "whitelist request sent"
}

func (d *Daemon) cmdRecommendPeer(args []string) string {
	if len(args) < 1 {
		return "usage: recommend-peer <peer_id> [name]"
	}
	target := args[0]
	name := ""
	if len(args) > 1 {
		name = strings.Join(args[1:], " ")
	}
	if err := d.trust.AddRecommendation(d.ctx, string(d.self.ID()), target, name); err != nil {
		return "error: " + err.Error()
	}
	metricTrustMutations.Add(d.ctx, 1)
	err := d.Publish(protocol.KindTrustRecommendation, protocol.TrustRecommendation{
		Recommender: string(d.self.ID()),
		Recommended: target,
		Name:        name,
		Timestamp:   time.Now().Unix(),
		UID:         protocol.NewUID(),
	})
	if err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("recommended %s", target)
}

// cmdWhitelist implements the operator-only whitelist management
// subcommands: add, add-key, remove, list, check.
func (d *Daemon) cmdWhitelist(args []string) string {
	if len(args) == 0 {
		return "usage: whitelist add|add-key|remove|list|check ..."
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		if len(rest) < 1 {
			return "usage: whitelist add <peer_id> [name]"
		}
		name := ""
		if len(rest) > 1 {
			name = strings.Join(rest[1:], " ")
		}
		if err := d.trust.Add(d.ctx, rest[0], name, nil, nil); err != nil {
			return "error: " + err.Error()
		}
		metricTrustMutations.Add(d.ctx, 1)
		return fmt.Sprintf("added %s", rest[0])

	case "add-key":
		if len(rest) < 2 {
			return "usage: whitelist add-key <peer_id> <hex-or-base64-public-key>"
		}
		pub, err := crypto.DecodePublicKey([]byte(rest[1]))
		if err != nil {
			return "error: " + err.Error()
		}
		if err := d.trust.SetPublicKey(d.ctx, rest[0], pub); err != nil {
			return "error: " + err.Error()
		}
		metricTrustMutations.Add(d.ctx, 1)
		return fmt.Sprintf("attached key to %s", rest[0])

	case "remove":
		if len(rest) < 1 {
			return "usage: whitelist remove <peer_id>"
		}
		if err := d.trust.Remove(d.ctx, rest[0]); err != nil {
			return "error: " + err.Error()
		}
		metricTrustMutations.Add(d.ctx, 1)
		return fmt.Sprintf("removed %s", rest[0])

	case "list":
		entries := d.trust.List()
		var b strings.Builder
		for _, e := range entries {
			known := "no-key"
			if len(e.PublicKey) > 0 {
				known = "has-key"
			}
			fmt.Fprintf(&b, "%s\t%s\t%s\trecs=%d\n", e.PeerID, e.Name, known, e.RecommendationCount)
		}
		return strings.TrimRight(b.String(), "\n")

	case "check":
		if len(rest) < 1 {
			return "usage: whitelist check <peer_id>"
		}
		return strconv.FormatBool(d.trust.IsAdmitted(rest[0]))

	default:
		return fmt.Sprintf("unknown whitelist subcommand: %s", sub)
	}
}
