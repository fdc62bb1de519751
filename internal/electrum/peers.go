package electrum

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ccoveille/go-safecast"

	"github.com/bitlume/electrum/internal/netparams"
)

var ErrMalformedPeerEntry = errors.New("malformed peer entry")

// parsePeers decodes a server.peers.subscribe result. Each entry is
// [ip, host, [feature tokens...]] with tokens v<ver>, p<prune>, t[<port>],
// s[<port>], w[<port>]; an empty port means the network default.
func parsePeers(raw json.RawMessage, network *netparams.Network) ([]*Peer, error) {
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Join(ErrMalformedPeerEntry, err)
	}

	peers := make([]*Peer, 0, len(entries))
	for _, entry := range entries {
		if len(entry) < 3 {
			return nil, fmt.Errorf("%w: %d fields", ErrMalformedPeerEntry, len(entry))
		}

		peer := &Peer{}
		if err := json.Unmarshal(entry[0], &peer.IP); err != nil {
			return nil, errors.Join(ErrMalformedPeerEntry, err)
		}
		if err := json.Unmarshal(entry[1], &peer.Host); err != nil {
			return nil, errors.Join(ErrMalformedPeerEntry, err)
		}

		var features []string
		if err := json.Unmarshal(entry[2], &features); err != nil {
			return nil, errors.Join(ErrMalformedPeerEntry, err)
		}

		if err := applyFeatures(peer, features, network); err != nil {
			return nil, err
		}

		peers = append(peers, peer)
	}

	return peers, nil
}

func applyFeatures(peer *Peer, features []string, network *netparams.Network) error {
	for _, feature := range features {
		if feature == "" {
			continue
		}

		value := feature[1:]

		switch feature[0] {
		case 'v':
			peer.Version = value
		case 'p':
			limit, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: pruning limit %q", ErrMalformedPeerEntry, value)
			}
			peer.PruningLimit, err = safecast.ToUint32(limit)
			if err != nil {
				return err
			}
		case 't':
			port, err := parsePort(value, network.DefaultPortTCP)
			if err != nil {
				return err
			}
			peer.Ports.TCP = port
		case 's':
			port, err := parsePort(value, network.DefaultPortSSL)
			if err != nil {
				return err
			}
			peer.Ports.SSL = port
		case 'w':
			port, err := parsePort(value, network.DefaultPortWSS)
			if err != nil {
				return err
			}
			peer.Ports.WSS = port
		default:
			// unknown feature tokens are ignored per protocol
		}
	}

	return nil
}

func parsePort(value string, defaultPort uint16) (uint16, error) {
	if strings.TrimSpace(value) == "" {
		return defaultPort, nil
	}

	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", ErrMalformedPeerEntry, value)
	}

	return uint16(port), nil
}
