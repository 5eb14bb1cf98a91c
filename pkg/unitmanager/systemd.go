package unitmanager

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/types"
)

// systemdDeps are the unit directives whose right-hand side is
// rewritten to a deployed full name when it names another unit in the
// same revision.
var systemdDeps = map[string]bool{
	"Before":   true,
	"After":    true,
	"BindsTo":  true,
	"Wants":    true,
	"Requires": true,
}

const startMode = "replace"

// Systemd manages flotilla-prefixed units through systemd's D-Bus API.
type Systemd struct {
	unitDir string
	envDir  string
	logger  zerolog.Logger
}

// NewSystemd creates a Systemd unit manager writing unit files to
// unitDir and environment files to envDir.
func NewSystemd(unitDir, envDir string) *Systemd {
	return &Systemd{
		unitDir: unitDir,
		envDir:  envDir,
		logger:  log.WithComponent("unitmanager"),
	}
}

func (s *Systemd) Converge(ctx context.Context, desired []DesiredUnit) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	byDeployedName := make(map[string]DesiredUnit, len(desired))
	byShortName := make(map[string]DesiredUnit, len(desired))
	for _, u := range desired {
		byDeployedName[u.DeployedName] = u
		byShortName[u.ShortName] = u
	}

	existing, err := s.existingUnits(ctx, conn)
	if err != nil {
		return err
	}

	for _, name := range existing {
		if _, wanted := byDeployedName[name]; wanted {
			continue
		}
		s.removeUnit(ctx, conn, name)
	}

	for name, unit := range byDeployedName {
		if err := s.writeUnitFile(name, unit, byShortName); err != nil {
			return err
		}
		if err := s.writeEnvFile(name, unit); err != nil {
			return err
		}
	}

	if err := conn.ReloadContext(ctx); err != nil {
		s.logger.Error().Err(err).Msg("systemd daemon-reload failed")
	}

	for name := range byDeployedName {
		props, err := conn.GetUnitPropertiesContext(ctx, name)
		if err != nil {
			s.logger.Error().Err(err).Str("unit", name).Msg("failed to load unit properties")
			continue
		}
		activeState, _ := props["ActiveState"].(string)
		if activeState == "active" || activeState == "activating" {
			continue
		}
		resultCh := make(chan string, 1)
		if _, err := conn.StartUnitContext(ctx, name, startMode, resultCh); err != nil {
			s.logger.Error().Err(err).Str("unit", name).Msg("failed to start unit")
			continue
		}
		<-resultCh
	}
	return nil
}

func (s *Systemd) Status(ctx context.Context) (map[string]types.UnitState, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	names, err := s.existingUnits(ctx, conn)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]types.UnitState, len(names))
	for _, name := range names {
		props, err := conn.GetUnitPropertiesContext(ctx, name)
		if err != nil {
			s.logger.Error().Err(err).Str("unit", name).Msg("failed to load unit properties")
			continue
		}
		statuses[name] = types.UnitState{
			LoadState:       stringProp(props, "LoadState"),
			ActiveState:     stringProp(props, "ActiveState"),
			SubState:        stringProp(props, "SubState"),
			ActiveEnterTime: microsecProp(props, "ActiveEnterTimestamp"),
			ActiveExitTime:  microsecProp(props, "ActiveExitTimestamp"),
		}
	}
	return statuses, nil
}

func (s *Systemd) existingUnits(ctx context.Context, conn *dbus.Conn) ([]string, error) {
	units, err := conn.ListUnitsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	var names []string
	for _, u := range units {
		if strings.HasPrefix(u.Name, types.UnitPrefix) {
			names = append(names, u.Name)
		}
	}
	return names, nil
}

func (s *Systemd) removeUnit(ctx context.Context, conn *dbus.Conn, name string) {
	resultCh := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, name, startMode, resultCh); err != nil {
		s.logger.Error().Err(err).Str("unit", name).Msg("failed to stop unit")
	} else {
		<-resultCh
	}

	_ = os.Remove(filepath.Join(s.unitDir, name))
	_ = os.Remove(filepath.Join(s.envDir, name))
}

// writeUnitFile writes the unit file to disk, never overwriting an
// existing one, rewriting intra-revision dependency lines to their
// deployed full names as it goes.
func (s *Systemd) writeUnitFile(name string, unit DesiredUnit, byShortName map[string]DesiredUnit) error {
	path := filepath.Join(s.unitDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var rewritten strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(unit.UnitFile))
	for scanner.Scan() {
		line := scanner.Text()
		if key, value, ok := strings.Cut(line, "="); ok && systemdDeps[key] {
			if ref, found := byShortName[value]; found {
				line = key + "=" + ref.DeployedName
			}
		}
		rewritten.WriteString(line)
		rewritten.WriteByte('\n')
	}

	return os.WriteFile(path, []byte(rewritten.String()), 0o644)
}

// writeEnvFile writes the unit's environment file, never overwriting
// an existing one.
func (s *Systemd) writeEnvFile(name string, unit DesiredUnit) error {
	if len(unit.Environment) == 0 {
		return nil
	}

	path := filepath.Join(s.envDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var contents strings.Builder
	for key, value := range unit.Environment {
		contents.WriteString(key)
		contents.WriteByte('=')
		contents.WriteString(value)
		contents.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(contents.String()), 0o600)
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

// microsecProp converts a systemd microsecond-since-epoch property
// (uint64) to a time.Time; zero if unset.
func microsecProp(props map[string]any, key string) time.Time {
	raw, ok := props[key]
	if !ok {
		return time.Time{}
	}

	var micros uint64
	switch v := raw.(type) {
	case uint64:
		micros = v
	case int64:
		micros = uint64(v)
	default:
		parsed, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
		if err != nil {
			return time.Time{}
		}
		micros = parsed
	}
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(micros))
}
