/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config provides the common base for siemcore component config
// files. Each binary extends NodeConfig with its own sections; a typical
// cmd/ main looks like:
//
//	type cfgType struct {
//		Global NodeConfig
//		Broker BrokerConfig
//	}
//
//	func GetConfig(path string) (*cfgType, error) {
//		var cr cfgType
//		if err := config.LoadConfigFile(&cr, path); err != nil {
//			return nil, err
//		}
//		if err := cr.Global.Verify(); err != nil {
//			return nil, err
//		}
//		if _, ok := cr.Global.NodeUUID(); !ok {
//			id := uuid.New()
//			if err := cr.Global.SetNodeUUID(id, path); err != nil {
//				return nil, err
//			}
//		}
//		return &cr, nil
//	}
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/riftwire/siemcore/ingest/log"
)

const (
	defaultLogLevel = `INFO`

	envTenant      string = `SIEMCORE_TENANT_ID`
	envLogLevel    string = `SIEMCORE_LOG_LEVEL`
	envLogFile     string = `SIEMCORE_LOG_FILE`
	envBrokers     string = `SIEMCORE_BROKER_ADDRS`
	envStoreDSN    string = `SIEMCORE_STORE_DSN`
	envNodeUUID    string = `SIEMCORE_NODE_UUID`

	commentValue = `#`
	globalHeader = `[global]`
	headerStart  = `[`
	uuidParam    = `Node-UUID`
)

var (
	ErrNoBrokerAddrs              = errors.New("no broker addresses configured")
	ErrInvalidLogLevel            = errors.New("invalid log level")
	ErrInvalidConnectionTimeout   = errors.New("invalid connection timeout")
	ErrGlobalSectionNotFound      = errors.New("global config section not found")
	ErrInvalidLineLocation        = errors.New("invalid line location")
	ErrInvalidUpdateLineParameter = errors.New("update line location does not contain the specified parameter")
)

// NodeConfig is embedded by every siemcore component's top-level config
// (gateway, parse worker, detection engine, agent). It carries the
// concerns every node shares: broker endpoints, logging, and identity.
type NodeConfig struct {
	Node_UUID          string   `json:",omitempty"`
	Log_Level          string   `json:",omitempty"`
	Log_File           string   `json:",omitempty"`
	Broker_Addrs       []string `json:",omitempty"`
	Broker_Client_ID   string   `json:",omitempty"`
	Connection_Timeout string   `json:",omitempty"`
	Label              string   `json:",omitempty"` // arbitrary operator label
}

func (nc *NodeConfig) loadDefaults() error {
	if err := LoadEnvVar(&nc.Node_UUID, envNodeUUID, ``); err != nil {
		return err
	}
	if err := LoadEnvVar(&nc.Log_Level, envLogLevel, defaultLogLevel); err != nil {
		return err
	}
	if err := LoadEnvVar(&nc.Log_File, envLogFile, ``); err != nil {
		return err
	}
	if err := LoadEnvVar(&nc.Broker_Addrs, envBrokers, nil); err != nil {
		return err
	}
	return nil
}

// Verify checks the parameters of NodeConfig, filling in defaults and
// making sure values are sane. Components should call Verify before
// starting any subsystem.
func (nc *NodeConfig) Verify() error {
	if err := nc.loadDefaults(); err != nil {
		return err
	}

	if nc.Node_UUID != `` {
		if _, err := uuid.Parse(nc.Node_UUID); err != nil {
			return fmt.Errorf("malformed node UUID %v: %w", nc.Node_UUID, err)
		}
	}

	nc.Log_Level = strings.ToUpper(strings.TrimSpace(nc.Log_Level))
	if err := nc.checkLogLevel(); err != nil {
		return err
	}

	if to, err := nc.parseTimeout(); err != nil || to < 0 {
		if err != nil {
			return err
		}
		return ErrInvalidConnectionTimeout
	}

	if len(nc.Broker_Addrs) == 0 {
		return ErrNoBrokerAddrs
	}

	if nc.Log_File != `` {
		logdir := filepath.Dir(nc.Log_File)
		fi, err := os.Stat(logdir)
		if err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(logdir, 0700); err != nil {
					return err
				}
			} else {
				return err
			}
		} else if !fi.IsDir() {
			return errors.New("log location is not a directory")
		}
	}

	if nc.Broker_Client_ID == `` {
		nc.Broker_Client_ID = "siemcore-" + nc.Label
	}

	return nil
}

func (nc *NodeConfig) checkLogLevel() error {
	if len(nc.Log_Level) == 0 {
		nc.Log_Level = defaultLogLevel
		return nil
	}
	switch nc.Log_Level {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`, `CRITICAL`, `FATAL`:
		return nil
	}
	return ErrInvalidLogLevel
}

func (nc *NodeConfig) parseTimeout() (time.Duration, error) {
	tos := strings.TrimSpace(nc.Connection_Timeout)
	if len(tos) == 0 {
		return 0, nil
	}
	return time.ParseDuration(tos)
}

// Timeout returns the configured broker dial timeout, or zero if unset.
func (nc *NodeConfig) Timeout() time.Duration {
	if to, _ := nc.parseTimeout(); to > 0 {
		return to
	}
	return 0
}

func zeroUUID(id uuid.UUID) bool {
	for _, v := range id {
		if v != 0 {
			return false
		}
	}
	return true
}

// NodeUUID returns the identity of this node, set with the Node-UUID
// config parameter. ok is false if the UUID is unset, malformed, or all
// zeroes.
func (nc *NodeConfig) NodeUUID() (id uuid.UUID, ok bool) {
	if nc.Node_UUID == `` {
		return
	}
	var err error
	if id, err = uuid.Parse(nc.Node_UUID); err == nil {
		ok = true
	}
	if zeroUUID(id) {
		ok = false
	}
	return
}

func reloadContent(loc string) (content string, err error) {
	if loc == `` {
		err = errors.New("not loaded from file")
		return
	}
	var bts []byte
	bts, err = ioutil.ReadFile(loc)
	content = string(bts)
	return
}

// SetNodeUUID persists id into the config file at loc, so that a
// newly-generated node identity survives restarts. Write is atomic via
// renameio, matching the agent's self-update swap discipline.
func (nc *NodeConfig) SetNodeUUID(id uuid.UUID, loc string) (err error) {
	if zeroUUID(id) {
		return errors.New("UUID is empty")
	}
	var content string
	if content, err = reloadContent(loc); err != nil {
		return
	}
	lines := strings.Split(content, "\n")
	lo := argInGlobalLines(lines, uuidParam)
	if lo == -1 {
		gStart, _, ok := globalLineBoundary(lines)
		if !ok {
			err = ErrGlobalSectionNotFound
			return
		}
		lines, err = insertLine(lines, fmt.Sprintf(`%s="%s"`, uuidParam, id.String()), gStart+1)
	} else {
		lines, err = updateLine(lines, uuidParam, fmt.Sprintf(`"%s"`, id), lo)
	}
	if err != nil {
		return
	}
	nc.Node_UUID = id.String()
	content = strings.Join(lines, "\n")
	return renameio.WriteFile(loc, []byte(content), 0640)
}

// GetLogger builds a Logger honoring Log_Level and Log_File.
func (nc *NodeConfig) GetLogger() (l *log.Logger, err error) {
	lvl, err := log.LevelFromString(nc.Log_Level)
	if err != nil {
		return nil, err
	}
	if nc.Log_File == `` {
		l = log.NewDiscard()
	} else {
		l, err = log.NewFile(nc.Log_File)
	}
	if err == nil {
		l.SetLevel(lvl)
	}
	return
}
