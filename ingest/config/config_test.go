/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNodeConfigVerifyRequiresBrokerAddrs(t *testing.T) {
	nc := NodeConfig{Log_Level: "INFO"}
	err := nc.Verify()
	require.ErrorIs(t, err, ErrNoBrokerAddrs)
}

func TestNodeConfigVerifyRejectsBadLogLevel(t *testing.T) {
	nc := NodeConfig{Broker_Addrs: []string{"127.0.0.1:9092"}, Log_Level: "CHATTY"}
	err := nc.Verify()
	require.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestNodeConfigVerifyDefaultsClientID(t *testing.T) {
	nc := NodeConfig{Broker_Addrs: []string{"127.0.0.1:9092"}, Label: "gw1"}
	require.NoError(t, nc.Verify())
	require.Equal(t, "siemcore-gw1", nc.Broker_Client_ID)
}

func TestNodeUUIDRoundtrip(t *testing.T) {
	id := uuid.New()
	nc := NodeConfig{Node_UUID: id.String()}
	got, ok := nc.NodeUUID()
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestNodeUUIDUnsetNotOK(t *testing.T) {
	nc := NodeConfig{}
	_, ok := nc.NodeUUID()
	require.False(t, ok)
}

func TestSetNodeUUIDPersistsToFile(t *testing.T) {
	testFile := filepath.Join(tempDir, "node_uuid.conf")
	require.NoError(t, os.WriteFile(testFile, []byte("[global]\nLog-Level=INFO\n"), 0660))

	nc := NodeConfig{}
	id := uuid.New()
	require.NoError(t, nc.SetNodeUUID(id, testFile))
	require.Equal(t, id.String(), nc.Node_UUID)

	contents, err := os.ReadFile(testFile)
	require.NoError(t, err)
	require.Contains(t, string(contents), id.String())
}
