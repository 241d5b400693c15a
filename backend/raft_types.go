// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package backend

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdSaveGame           CommandType = "SAVE_GAME"
	CmdAppendEntries      CommandType = "APPEND_ENTRIES"
	CmdUndoEntry          CommandType = "UNDO_ENTRY"
	CmdDeleteGame         CommandType = "DELETE_GAME"
	CmdSaveTeam           CommandType = "SAVE_TEAM"
	CmdDeleteTeam         CommandType = "DELETE_TEAM"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
)

// RaftCommand is a unified structure for all Raft log entries. ID is the
// game or team the command targets.
type RaftCommand struct {
	Type     CommandType       `json:"type"`
	ID       string            `json:"id,omitempty"`
	Game     *Game             `json:"game,omitempty"`
	Team     *Team             `json:"team,omitempty"`
	Entries  []PlateAppearance `json:"entries,omitempty"`
	EntryID  string            `json:"entryId,omitempty"`
	Policy   *UserAccessPolicy `json:"policy,omitempty"`
	NodeMeta *NodeMeta         `json:"nodeMeta,omitempty"`
	// Time is the leader's clock when the command was proposed, so that
	// timestamps derived from it are identical on every node.
	Time int64 `json:"time,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	RaftAddr        string `json:"raftAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}
