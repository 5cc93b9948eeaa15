package config

import (
	"strconv"
	"strings"
)

const envPrefix = "FEAT_"

// envGroup names one of the six recognized FEAT_<GROUP>_<KEY> groups.
type envGroup string

const (
	GroupMessaging envGroup = "MSG"
	GroupDatabase  envGroup = "DB"
	GroupManhole   envGroup = "MANHOLE"
	GroupAgency    envGroup = "AGENCY"
	GroupGateway   envGroup = "GATEWAY"
	GroupTunnel    envGroup = "TUNNEL"
)

// LoadEnv layers FEAT_<GROUP>_<KEY> environment variable overrides onto
// cfg for the standalone-spawner code path. The sentinel value "None"
// denotes an absent override and is skipped, leaving cfg's existing value
// (file or Default()) in place.
func LoadEnv(cfg Config, environ []string) Config {
	vars := scanEnv(environ)

	str := func(group envGroup, key string, set func(string)) {
		if v, ok := vars[string(group)][key]; ok {
			set(v)
		}
	}
	flag := func(group envGroup, key string, set func(bool)) {
		str(group, key, func(v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				set(b)
			}
		})
	}

	str(GroupMessaging, "host", func(v string) { cfg.Messaging.Host = v })
	str(GroupMessaging, "port", func(v string) { cfg.Messaging.Port = v })
	str(GroupMessaging, "user", func(v string) { cfg.Messaging.User = v })
	str(GroupMessaging, "password", func(v string) { cfg.Messaging.Password = v })

	str(GroupDatabase, "host", func(v string) { cfg.Database.Host = v })
	str(GroupDatabase, "port", func(v string) { cfg.Database.Port = v })
	str(GroupDatabase, "user", func(v string) { cfg.Database.User = v })
	str(GroupDatabase, "password", func(v string) { cfg.Database.Password = v })
	str(GroupDatabase, "name", func(v string) { cfg.Database.Name = v })

	str(GroupManhole, "public_key", func(v string) { cfg.Manhole.PublicKey = v })
	str(GroupManhole, "private_key", func(v string) { cfg.Manhole.PrivateKey = v })
	str(GroupManhole, "authorized_keys", func(v string) { cfg.Manhole.AuthorizedKeys = v })

	str(GroupAgency, "journal", func(v string) { cfg.Agency.Journal = v })
	str(GroupAgency, "socket_path", func(v string) { cfg.Agency.SocketPath = v })
	str(GroupAgency, "rundir", func(v string) { cfg.Agency.RunDir = v })
	str(GroupAgency, "logdir", func(v string) { cfg.Agency.LogDir = v })
	flag(GroupAgency, "daemonize", func(b bool) { cfg.Agency.Daemonize = b })
	flag(GroupAgency, "force_host_restart", func(b bool) { cfg.Agency.ForceHostRestart = b })

	str(GroupGateway, "p12", func(v string) { cfg.Gateway.P12 = v })
	flag(GroupGateway, "allow_tcp", func(b bool) { cfg.Gateway.AllowTCP = b })

	flag(GroupTunnel, "enable_spawning_slave", func(b bool) { cfg.Tunnel.EnableSpawningSlave = b })

	return cfg
}

// scanEnv parses every FEAT_<GROUP>_<KEY>=value entry in environ into
// group -> lowercased key -> value, skipping the "None" sentinel and any
// name that doesn't match a recognized group.
func scanEnv(environ []string) map[string]map[string]string {
	recognized := map[string]bool{
		string(GroupMessaging): true,
		string(GroupDatabase):  true,
		string(GroupManhole):   true,
		string(GroupAgency):    true,
		string(GroupGateway):   true,
		string(GroupTunnel):    true,
	}

	out := make(map[string]map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, envPrefix)
		group, key, ok := strings.Cut(rest, "_")
		if !ok || !recognized[group] {
			continue
		}
		if value == "None" {
			continue
		}
		key = strings.ToLower(key)
		if out[group] == nil {
			out[group] = make(map[string]string)
		}
		out[group][key] = value
	}
	return out
}
