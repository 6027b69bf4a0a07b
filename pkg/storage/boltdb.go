package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/auroraproxy/aurora/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServers      = []byte("servers")
	bucketPorts        = []byte("ports")
	bucketForwardRules = []byte("forward_rules")
	bucketPortUsage    = []byte("port_usage")
	bucketUsers        = []byte("users")
	bucketServerUsers  = []byte("server_users")
	bucketPortUsers    = []byte("port_users")
	bucketFiles        = []byte("files")
)

// BoltStore implements Store using BoltDB for embedded, transactional storage.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aurora.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServers,
			bucketPorts,
			bucketForwardRules,
			bucketPortUsage,
			bucketUsers,
			bucketServerUsers,
			bucketPortUsers,
			bucketFiles,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Server operations

func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data, err := json.Marshal(server)
		if err != nil {
			return err
		}
		return b.Put([]byte(server.ID), data)
	})
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server not found: %s", id)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server) // upsert
}

func (s *BoltStore) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Delete([]byte(id))
	})
}

// Port operations

func (s *BoltStore) CreatePort(port *types.Port) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		existing, err := s.findPortByServerAndNum(tx, port.ServerID, port.Num)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != port.ID {
			return &types.ConflictError{Reason: fmt.Sprintf("port %d already exists on server %s", port.Num, port.ServerID)}
		}
		data, err := json.Marshal(port)
		if err != nil {
			return err
		}
		return b.Put([]byte(port.ID), data)
	})
}

func (s *BoltStore) GetPort(id string) (*types.Port, error) {
	var port types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPorts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("port not found: %s", id)
		}
		return json.Unmarshal(data, &port)
	})
	if err != nil {
		return nil, err
	}
	return &port, nil
}

func (s *BoltStore) findPortByServerAndNum(tx *bolt.Tx, serverID string, num int) (*types.Port, error) {
	var found *types.Port
	b := tx.Bucket(bucketPorts)
	err := b.ForEach(func(k, v []byte) error {
		var port types.Port
		if err := json.Unmarshal(v, &port); err != nil {
			return err
		}
		if port.ServerID == serverID && port.Num == num {
			found = &port
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) GetPortByServerAndNum(serverID string, num int) (*types.Port, error) {
	var port *types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		p, err := s.findPortByServerAndNum(tx, serverID, num)
		port = p
		return err
	})
	if err != nil {
		return nil, err
	}
	if port == nil {
		return nil, fmt.Errorf("port not found: server=%s num=%d", serverID, num)
	}
	return port, nil
}

func (s *BoltStore) ListPorts() ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPorts).ForEach(func(k, v []byte) error {
			var port types.Port
			if err := json.Unmarshal(v, &port); err != nil {
				return err
			}
			ports = append(ports, &port)
			return nil
		})
	})
	return ports, err
}

func (s *BoltStore) ListPortsByServer(serverID string) ([]*types.Port, error) {
	all, err := s.ListPorts()
	if err != nil {
		return nil, err
	}
	var ports []*types.Port
	for _, p := range all {
		if p.ServerID == serverID {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

func (s *BoltStore) UpdatePort(port *types.Port) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(port)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPorts).Put([]byte(port.ID), data)
	})
}

func (s *BoltStore) DeletePort(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPorts).Delete([]byte(id))
	})
}

// ForwardRule operations

func (s *BoltStore) CreateForwardRule(rule *types.ForwardRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketForwardRules)
		existing, err := s.findForwardRuleByPort(tx, rule.PortID)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != rule.ID {
			return &types.ConflictError{Reason: fmt.Sprintf("port %s already has a forward rule", rule.PortID)}
		}
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(rule.ID), data)
	})
}

func (s *BoltStore) GetForwardRule(id string) (*types.ForwardRule, error) {
	var rule types.ForwardRule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketForwardRules).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("forward rule not found: %s", id)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) findForwardRuleByPort(tx *bolt.Tx, portID string) (*types.ForwardRule, error) {
	var found *types.ForwardRule
	err := tx.Bucket(bucketForwardRules).ForEach(func(k, v []byte) error {
		var rule types.ForwardRule
		if err := json.Unmarshal(v, &rule); err != nil {
			return err
		}
		if rule.PortID == portID {
			found = &rule
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) GetForwardRuleByPort(portID string) (*types.ForwardRule, error) {
	var rule *types.ForwardRule
	err := s.db.View(func(tx *bolt.Tx) error {
		r, err := s.findForwardRuleByPort(tx, portID)
		rule = r
		return err
	})
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("forward rule not found for port: %s", portID)
	}
	return rule, nil
}

func (s *BoltStore) ListForwardRules() ([]*types.ForwardRule, error) {
	var rules []*types.ForwardRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketForwardRules).ForEach(func(k, v []byte) error {
			var rule types.ForwardRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) ListDDNSForwardRules() ([]*types.ForwardRule, error) {
	all, err := s.ListForwardRules()
	if err != nil {
		return nil, err
	}
	var rules []*types.ForwardRule
	for _, r := range all {
		if r.Config.RemoteAddress != "" && !types.RemoteIPLiteral(r.Config.RemoteAddress) {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (s *BoltStore) UpdateForwardRule(rule *types.ForwardRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketForwardRules).Put([]byte(rule.ID), data)
	})
}

func (s *BoltStore) UpdateForwardRuleStatus(id string, status types.RuleStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketForwardRules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("forward rule not found: %s", id)
		}
		var rule types.ForwardRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		if status == types.RuleStatusStarting && rule.Status == types.RuleStatusRunning {
			return nil // invariant 4: never regress a running rule back to starting
		}
		rule.Status = status
		out, err := json.Marshal(&rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) DeleteForwardRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketForwardRules).Delete([]byte(id))
	})
}

// PortUsage operations

func (s *BoltStore) GetPortUsage(portID string) (*types.PortUsage, error) {
	var usage types.PortUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPortUsage).Get([]byte(portID))
		if data == nil {
			return fmt.Errorf("port usage not found: %s", portID)
		}
		return json.Unmarshal(data, &usage)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *BoltStore) UpdatePortUsage(portID string, fn func(*types.PortUsage)) (*types.PortUsage, error) {
	var usage types.PortUsage
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortUsage)
		data := b.Get([]byte(portID))
		if data != nil {
			if err := json.Unmarshal(data, &usage); err != nil {
				return err
			}
		} else {
			usage = types.PortUsage{PortID: portID}
		}
		fn(&usage)
		out, err := json.Marshal(&usage)
		if err != nil {
			return err
		}
		return b.Put([]byte(portID), out)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *BoltStore) DeletePortUsage(portID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortUsage).Delete([]byte(portID))
	})
}

// User operations

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user.ID), data)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user not found: %s", id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	return s.CreateUser(user)
}

func (s *BoltStore) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(id))
	})
}

// ServerUser operations

func (s *BoltStore) CreateServerUser(su *types.ServerUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(su)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServerUsers).Put([]byte(su.ID), data)
	})
}

func (s *BoltStore) GetServerUser(id string) (*types.ServerUser, error) {
	var su types.ServerUser
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServerUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("server user not found: %s", id)
		}
		return json.Unmarshal(data, &su)
	})
	if err != nil {
		return nil, err
	}
	return &su, nil
}

func (s *BoltStore) ListServerUsersByServer(serverID string) ([]*types.ServerUser, error) {
	var result []*types.ServerUser
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServerUsers).ForEach(func(k, v []byte) error {
			var su types.ServerUser
			if err := json.Unmarshal(v, &su); err != nil {
				return err
			}
			if su.ServerID == serverID {
				result = append(result, &su)
			}
			return nil
		})
	})
	return result, err
}

func (s *BoltStore) UpdateServerUser(su *types.ServerUser) error {
	return s.CreateServerUser(su)
}

func (s *BoltStore) DeleteServerUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServerUsers).Delete([]byte(id))
	})
}

// PortUser operations

func (s *BoltStore) CreatePortUser(pu *types.PortUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pu)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPortUsers).Put([]byte(pu.ID), data)
	})
}

func (s *BoltStore) ListPortUsersByPort(portID string) ([]*types.PortUser, error) {
	var result []*types.PortUser
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortUsers).ForEach(func(k, v []byte) error {
			var pu types.PortUser
			if err := json.Unmarshal(v, &pu); err != nil {
				return err
			}
			if pu.PortID == portID {
				result = append(result, &pu)
			}
			return nil
		})
	})
	return result, err
}

func (s *BoltStore) DeletePortUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortUsers).Delete([]byte(id))
	})
}

// File operations

func (s *BoltStore) CreateFile(file *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put([]byte(file.ID), data)
	})
}

func (s *BoltStore) GetFile(id string) (*types.File, error) {
	var file types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file not found: %s", id)
		}
		return json.Unmarshal(data, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *BoltStore) DeleteFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(id))
	})
}
