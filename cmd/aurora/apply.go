package main

import (
	"fmt"
	"os"
	"time"

	"github.com/auroraproxy/aurora/pkg/translator"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declarative Server/Port/ForwardRule manifest",
	Long: `Apply creates or updates control-plane resources from a YAML file,
the same way a Server, Port or ForwardRule would otherwise be created
through the Control API.

Examples:
  # Register a server
  aurora apply -f server.yaml

  # Declare a forwarding rule on one of its ports
  aurora apply -f rule.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(applyCmd)
}

// resource is the generic envelope every manifest kind shares, modeled
// after the apiVersion/kind/metadata/spec shape used for declarative
// config elsewhere in the ecosystem.
type resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   resourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type resourceMetadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var res resource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	switch res.Kind {
	case "Server":
		return c.applyServer(&res)
	case "Port":
		return c.applyPort(&res)
	case "ForwardRule":
		return c.applyForwardRule(&res)
	default:
		return fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
}

func (c *components) applyServer(res *resource) error {
	name := res.Metadata.Name
	host := getString(res.Spec, "host", "")
	if host == "" {
		return fmt.Errorf("server host is required")
	}
	sshUser := getString(res.Spec, "sshUser", "root")
	sshPort := getInt(res.Spec, "sshPort", 22)

	servers, err := c.store.ListServers()
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	for _, existing := range servers {
		if existing.Name != name {
			continue
		}
		existing.Host = host
		existing.User = sshUser
		existing.SSHPort = sshPort
		if err := c.store.UpdateServer(existing); err != nil {
			return fmt.Errorf("update server %s: %w", name, err)
		}
		fmt.Printf("server updated: %s (%s)\n", name, existing.ID)
		return nil
	}

	server := &types.Server{
		ID:        uuid.New().String(),
		Name:      name,
		Host:      host,
		User:      sshUser,
		SSHPort:   sshPort,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := c.store.CreateServer(server); err != nil {
		return fmt.Errorf("create server %s: %w", name, err)
	}
	fmt.Printf("server created: %s (%s)\n", name, server.ID)
	return nil
}

func (c *components) applyPort(res *resource) error {
	serverID := getString(res.Spec, "serverId", "")
	if serverID == "" {
		return fmt.Errorf("port serverId is required")
	}
	num := getInt(res.Spec, "num", 0)
	if num == 0 {
		return fmt.Errorf("port num is required")
	}

	if _, err := c.store.GetPortByServerAndNum(serverID, num); err == nil {
		fmt.Printf("port already exists: server=%s num=%d (skipping)\n", serverID, num)
		return nil
	}

	port := &types.Port{
		ID:          uuid.New().String(),
		ServerID:    serverID,
		Num:         num,
		ExternalNum: getInt(res.Spec, "externalNum", 0),
		CreatedAt:   time.Now(),
	}
	if err := c.store.CreatePort(port); err != nil {
		return fmt.Errorf("create port: %w", err)
	}
	fmt.Printf("port created: %s (server=%s num=%d)\n", port.ID, serverID, num)
	return nil
}

func (c *components) applyForwardRule(res *resource) error {
	portID := getString(res.Spec, "portId", "")
	if portID == "" {
		return fmt.Errorf("forwardRule portId is required")
	}
	method := getString(res.Spec, "method", "")
	if method == "" {
		return fmt.Errorf("forwardRule method is required")
	}
	remoteAddress := getString(res.Spec, "remoteAddress", "")
	remotePort := getInt(res.Spec, "remotePort", 0)

	port, err := c.store.GetPort(portID)
	if err != nil {
		return fmt.Errorf("load port %s: %w", portID, err)
	}
	server, err := c.store.GetServer(port.ServerID)
	if err != nil {
		return fmt.Errorf("load server %s: %w", port.ServerID, err)
	}

	rule := &types.ForwardRule{
		PortID: portID,
		Method: types.Method(method),
		Config: types.RuleConfig{
			RemoteAddress: remoteAddress,
			RemotePort:    remotePort,
		},
	}

	if existing, err := c.store.GetForwardRuleByPort(portID); err == nil {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.ID = uuid.New().String()
		rule.CreatedAt = time.Now()
	}
	rule.IsActive = true
	rule.Status = types.RuleStatusPending

	if err := translator.Validate(port, rule, server); err != nil {
		return fmt.Errorf("apply forward rule: %w", err)
	}
	if existing, err := c.store.GetForwardRuleByPort(portID); err == nil && existing.ID == rule.ID {
		if err := c.store.UpdateForwardRule(rule); err != nil {
			return fmt.Errorf("update forward rule: %w", err)
		}
	} else {
		if err := c.store.CreateForwardRule(rule); err != nil {
			return fmt.Errorf("create forward rule: %w", err)
		}
	}
	fmt.Printf("forward rule applied: %s (port=%s method=%s)\n", rule.ID, portID, method)
	return nil
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]interface{}, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}
