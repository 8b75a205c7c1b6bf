package system

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/auth"
	"github.com/fluxorio/streamline/pkg/id"
	"github.com/fluxorio/streamline/pkg/statelog"
	"github.com/fluxorio/streamline/pkg/stream"
	"github.com/fluxorio/streamline/pkg/topic"
	"github.com/fluxorio/streamline/pkg/wire"
)

// State log command codes (spec §6.3): one per administrative mutation the
// StateLog journals so a restart can replay the whole catalog.
const (
	CmdCreateStream        uint32 = 1
	CmdDeleteStream        uint32 = 2
	CmdCreateTopic         uint32 = 3
	CmdDeleteTopic         uint32 = 4
	CmdCreatePartitions    uint32 = 5
	CmdDeletePartitions    uint32 = 6
	CmdCreateUser          uint32 = 7
	CmdDeleteUser          uint32 = 8
	CmdSetPermissions      uint32 = 9
	CmdCreatePAT           uint32 = 10
	CmdRevokePAT           uint32 = 11
	CmdCreateGroup         uint32 = 12
	CmdDeleteGroup         uint32 = 13
	CmdStoreConsumerOffset uint32 = 14
)

func (s *System) registerHandlers() {
	s.state.RegisterHandler(CmdCreateStream, s.applyCreateStream)
	s.state.RegisterHandler(CmdDeleteStream, s.applyDeleteStream)
	s.state.RegisterHandler(CmdCreateTopic, s.applyCreateTopic)
	s.state.RegisterHandler(CmdDeleteTopic, s.applyDeleteTopic)
	s.state.RegisterHandler(CmdCreatePartitions, s.applyCreatePartitions)
	s.state.RegisterHandler(CmdDeletePartitions, s.applyDeletePartitions)
	s.state.RegisterHandler(CmdCreateUser, s.applyCreateUser)
	s.state.RegisterHandler(CmdDeleteUser, s.applyDeleteUser)
	s.state.RegisterHandler(CmdSetPermissions, s.applySetPermissions)
	s.state.RegisterHandler(CmdCreatePAT, s.applyCreatePAT)
	s.state.RegisterHandler(CmdRevokePAT, s.applyRevokePAT)
	s.state.RegisterHandler(CmdCreateGroup, s.applyCreateGroup)
	s.state.RegisterHandler(CmdDeleteGroup, s.applyDeleteGroup)
	s.state.RegisterHandler(CmdStoreConsumerOffset, s.applyStoreConsumerOffset)
}

// ---- CreateStream ----

func encodeCreateStream(streamID uint32, name string) []byte {
	w := wire.NewWriter(8 + len(name))
	w.WriteU32(streamID)
	w.WriteBytesWithLen([]byte(name))
	return w.Bytes()
}

func decodeCreateStream(cmd []byte) (streamID uint32, name string, err error) {
	r := wire.NewReader(cmd)
	streamID, err = r.ReadU32()
	if err != nil {
		return 0, "", apperr.New(apperr.CodeInvalidCommand, "truncated create_stream command")
	}
	raw, err := r.ReadBytesWithLen()
	if err != nil {
		return 0, "", apperr.New(apperr.CodeInvalidCommand, "truncated create_stream command")
	}
	return streamID, string(raw), nil
}

func (s *System) applyCreateStream(e statelog.Entry) error {
	streamID, name, err := decodeCreateStream(e.Command)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[streamID]; ok {
		return nil // idempotent re-application during replay of an already-open stream
	}
	if _, ok := s.streamIDs[id.Normalize(name)]; ok {
		return apperr.ErrStreamNameAlreadyExists
	}
	st, err := stream.Create(stream.Config{
		Dir:      filepath.Join(s.dir, "streams", strconv.FormatUint(uint64(streamID), 10)),
		StreamID: streamID,
		Name:     name,
	}, time.UnixMicro(int64(e.Timestamp)))
	if err != nil {
		return err
	}
	s.streams[streamID] = st
	s.streamIDs[id.Normalize(name)] = streamID
	if streamID >= s.nextID {
		s.nextID = streamID + 1
	}
	return nil
}

// CreateStream journals and applies a new stream (spec §4.4 create_stream).
func (s *System) CreateStream(userID uint32, name string, now time.Time) (uint32, error) {
	s.mu.Lock()
	streamID := s.nextID
	s.nextID++
	s.mu.Unlock()

	_, err := s.state.Apply(CmdCreateStream, userID, encodeCreateStream(streamID, name), nil, now)
	if err != nil {
		return 0, err
	}
	return streamID, nil
}

// ---- DeleteStream ----

func (s *System) applyDeleteStream(e statelog.Entry) error {
	r := wire.NewReader(e.Command)
	streamID, err := r.ReadU32()
	if err != nil {
		return apperr.New(apperr.CodeInvalidCommand, "truncated delete_stream command")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	delete(s.streams, streamID)
	delete(s.streamIDs, id.Normalize(st.Name()))
	dir := filepath.Join(s.dir, "streams", strconv.FormatUint(uint64(streamID), 10))
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.CodeCannotReadFile, "remove stream dir", err)
	}
	return nil
}

// DeleteStream journals and applies stream deletion (spec §4.4 delete_stream).
func (s *System) DeleteStream(userID, streamID uint32, now time.Time) error {
	w := wire.NewWriter(4)
	w.WriteU32(streamID)
	_, err := s.state.Apply(CmdDeleteStream, userID, w.Bytes(), nil, now)
	return err
}

// Stream resolves a stream by numeric id or name.
func (s *System) Stream(ref id.Identifier) (*stream.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.IsNumeric() {
		st, ok := s.streams[ref.NumericValue()]
		if !ok {
			return nil, apperr.ErrStreamNotFound
		}
		return st, nil
	}
	sid, ok := s.streamIDs[id.Normalize(ref.NameValue())]
	if !ok {
		return nil, apperr.ErrStreamNotFound
	}
	return s.streams[sid], nil
}

// ---- CreateTopic / DeleteTopic ----

type createTopicCmd struct {
	StreamID   uint32
	TopicID    uint32
	Name       string
	Partitions uint32
}

func encodeCreateTopic(c createTopicCmd) []byte {
	w := wire.NewWriter(20 + len(c.Name))
	w.WriteU32(c.StreamID)
	w.WriteU32(c.TopicID)
	w.WriteU32(c.Partitions)
	w.WriteBytesWithLen([]byte(c.Name))
	return w.Bytes()
}

func decodeCreateTopic(cmd []byte) (createTopicCmd, error) {
	r := wire.NewReader(cmd)
	streamID, err := r.ReadU32()
	if err != nil {
		return createTopicCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_topic command")
	}
	topicID, err := r.ReadU32()
	if err != nil {
		return createTopicCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_topic command")
	}
	partitions, err := r.ReadU32()
	if err != nil {
		return createTopicCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_topic command")
	}
	name, err := r.ReadBytesWithLen()
	if err != nil {
		return createTopicCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_topic command")
	}
	return createTopicCmd{StreamID: streamID, TopicID: topicID, Name: string(name), Partitions: partitions}, nil
}

func (s *System) applyCreateTopic(e statelog.Entry) error {
	c, err := decodeCreateTopic(e.Command)
	if err != nil {
		return err
	}
	s.mu.RLock()
	st, ok := s.streams[c.StreamID]
	s.mu.RUnlock()
	if !ok {
		return apperr.ErrStreamNotFound
	}
	if _, err := st.Topic(id.Numeric(c.TopicID)); err == nil {
		return nil // idempotent re-application
	}
	_, err = st.CreateTopic(c.TopicID, c.Name, c.Partitions, s.topicTemplate(), time.UnixMicro(int64(e.Timestamp)))
	return err
}

// CreateTopic journals and applies a new topic within an existing stream
// (spec §4.5 create_topic). The topic id is the first free id from the
// stream's topic count plus one; the policy fields come from the System's
// own topicTemplate.
func (s *System) CreateTopic(userID, streamID uint32, name string, partitions uint32, now time.Time) (uint32, error) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return 0, apperr.ErrStreamNotFound
	}
	topicID := uint32(len(st.Topics()) + 1)
	for {
		if _, err := st.Topic(id.Numeric(topicID)); err != nil {
			break
		}
		topicID++
	}

	cmd := encodeCreateTopic(createTopicCmd{StreamID: streamID, TopicID: topicID, Name: name, Partitions: partitions})
	if _, err := s.state.Apply(CmdCreateTopic, userID, cmd, nil, now); err != nil {
		return 0, err
	}
	return topicID, nil
}

func (s *System) applyDeleteTopic(e statelog.Entry) error {
	r := wire.NewReader(e.Command)
	streamID, err := r.ReadU32()
	if err != nil {
		return apperr.New(apperr.CodeInvalidCommand, "truncated delete_topic command")
	}
	topicID, err := r.ReadU32()
	if err != nil {
		return apperr.New(apperr.CodeInvalidCommand, "truncated delete_topic command")
	}
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return st.DeleteTopic(id.Numeric(topicID))
}

// DeleteTopic journals and applies topic deletion (spec §4.5 delete_topic).
func (s *System) DeleteTopic(userID, streamID, topicID uint32, now time.Time) error {
	w := wire.NewWriter(8)
	w.WriteU32(streamID)
	w.WriteU32(topicID)
	_, err := s.state.Apply(CmdDeleteTopic, userID, w.Bytes(), nil, now)
	return err
}

// ---- CreatePartitions / DeletePartitions ----

func (s *System) applyCreatePartitions(e statelog.Entry) error {
	streamID, topicID, n, err := decodePartitionCountCmd(e.Command)
	if err != nil {
		return err
	}
	t, err := s.resolveTopic(streamID, topicID)
	if err != nil {
		return err
	}
	return t.CreatePartitions(n, time.UnixMicro(int64(e.Timestamp)))
}

func (s *System) applyDeletePartitions(e statelog.Entry) error {
	streamID, topicID, n, err := decodePartitionCountCmd(e.Command)
	if err != nil {
		return err
	}
	t, err := s.resolveTopic(streamID, topicID)
	if err != nil {
		return err
	}
	return t.DeletePartitions(n, time.UnixMicro(int64(e.Timestamp)))
}

func decodePartitionCountCmd(cmd []byte) (streamID, topicID, n uint32, err error) {
	r := wire.NewReader(cmd)
	streamID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, apperr.New(apperr.CodeInvalidCommand, "truncated partition count command")
	}
	topicID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, apperr.New(apperr.CodeInvalidCommand, "truncated partition count command")
	}
	n, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, apperr.New(apperr.CodeInvalidCommand, "truncated partition count command")
	}
	return streamID, topicID, n, nil
}

func encodePartitionCountCmd(streamID, topicID, n uint32) []byte {
	w := wire.NewWriter(12)
	w.WriteU32(streamID)
	w.WriteU32(topicID)
	w.WriteU32(n)
	return w.Bytes()
}

// CreatePartitions journals and applies a partition-count increase
// (spec §4.3 create_partitions).
func (s *System) CreatePartitions(userID, streamID, topicID, n uint32, now time.Time) error {
	_, err := s.state.Apply(CmdCreatePartitions, userID, encodePartitionCountCmd(streamID, topicID, n), nil, now)
	return err
}

// DeletePartitions journals and applies a partition-count decrease
// (spec §4.3 delete_partitions).
func (s *System) DeletePartitions(userID, streamID, topicID, n uint32, now time.Time) error {
	_, err := s.state.Apply(CmdDeletePartitions, userID, encodePartitionCountCmd(streamID, topicID, n), nil, now)
	return err
}

func (s *System) resolveTopic(streamID, topicID uint32) (*topic.Topic, error) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrStreamNotFound
	}
	return st.Topic(id.Numeric(topicID))
}

// ---- Users / permissions / tokens ----

type createUserCmd struct {
	UserID   uint32
	Username string
	Password string
	Perms    auth.Permissions
}

func encodeCreateUser(c createUserCmd) []byte {
	w := wire.NewWriter(32 + len(c.Username) + len(c.Password))
	w.WriteU32(c.UserID)
	w.WriteBytesWithLen([]byte(c.Username))
	w.WriteBytesWithLen([]byte(c.Password))
	w.WriteByte(boolByte(c.Perms.Global.ManageServers))
	w.WriteByte(boolByte(c.Perms.Global.ReadServers))
	w.WriteByte(boolByte(c.Perms.Global.ManageUsers))
	w.WriteByte(boolByte(c.Perms.Global.ReadUsers))
	w.WriteByte(boolByte(c.Perms.Global.ManageStreams))
	w.WriteByte(boolByte(c.Perms.Global.ReadStreams))
	return w.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func decodeCreateUser(cmd []byte) (createUserCmd, error) {
	r := wire.NewReader(cmd)
	userID, err := r.ReadU32()
	if err != nil {
		return createUserCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_user command")
	}
	username, err := r.ReadBytesWithLen()
	if err != nil {
		return createUserCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_user command")
	}
	password, err := r.ReadBytesWithLen()
	if err != nil {
		return createUserCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_user command")
	}
	var flags [6]bool
	for i := range flags {
		b, err := r.ReadByte()
		if err != nil {
			return createUserCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_user command")
		}
		flags[i] = b == 1
	}
	return createUserCmd{
		UserID: userID, Username: string(username), Password: string(password),
		Perms: auth.Permissions{Global: auth.GlobalPermissions{
			ManageServers: flags[0], ReadServers: flags[1], ManageUsers: flags[2],
			ReadUsers: flags[3], ManageStreams: flags[4], ReadStreams: flags[5],
		}},
	}, nil
}

func (s *System) applyCreateUser(e statelog.Entry) error {
	c, err := decodeCreateUser(e.Command)
	if err != nil {
		return err
	}
	_, err = s.auth.CreateUser(c.UserID, c.Username, c.Password, c.Perms, time.UnixMicro(int64(e.Timestamp)))
	if err != nil && errors.Is(err, apperr.ErrUsernameAlreadyExists) {
		return nil // idempotent re-application during replay
	}
	return err
}

// CreateUser journals and applies a new user (spec §4.1 create_user).
func (s *System) CreateUser(actingUserID, newUserID uint32, username, password string, perms auth.Permissions, now time.Time) error {
	_, err := s.state.Apply(CmdCreateUser, actingUserID, encodeCreateUser(createUserCmd{UserID: newUserID, Username: username, Password: password, Perms: perms}), nil, now)
	return err
}

func (s *System) applyDeleteUser(e statelog.Entry) error {
	r := wire.NewReader(e.Command)
	userID, err := r.ReadU32()
	if err != nil {
		return apperr.New(apperr.CodeInvalidCommand, "truncated delete_user command")
	}
	if err := s.auth.DeleteUser(userID); err != nil && !errors.Is(err, apperr.ErrUserNotFound) {
		return err
	}
	return nil
}

// DeleteUser journals and applies user deletion (spec §4.1 delete_user).
func (s *System) DeleteUser(actingUserID, targetUserID uint32, now time.Time) error {
	w := wire.NewWriter(4)
	w.WriteU32(targetUserID)
	_, err := s.state.Apply(CmdDeleteUser, actingUserID, w.Bytes(), nil, now)
	return err
}

func (s *System) applySetPermissions(e statelog.Entry) error {
	c, err := decodeCreateUser(e.Command)
	if err != nil {
		return err
	}
	return s.auth.SetUserPermissions(c.UserID, c.Perms)
}

// SetPermissions journals and applies a permission update for an existing
// user (spec §4.1 update_permissions).
func (s *System) SetPermissions(actingUserID, targetUserID uint32, perms auth.Permissions, now time.Time) error {
	cmd := encodeCreateUser(createUserCmd{UserID: targetUserID, Perms: perms})
	_, err := s.state.Apply(CmdSetPermissions, actingUserID, cmd, nil, now)
	return err
}

type createPATCmd struct {
	UserID uint32
	Name   string
	Raw    string
	Expiry time.Duration
}

func encodeCreatePAT(c createPATCmd) []byte {
	w := wire.NewWriter(20 + len(c.Name) + len(c.Raw))
	w.WriteU32(c.UserID)
	w.WriteBytesWithLen([]byte(c.Name))
	w.WriteBytesWithLen([]byte(c.Raw))
	w.WriteU64(uint64(c.Expiry))
	return w.Bytes()
}

func decodeCreatePAT(cmd []byte) (createPATCmd, error) {
	r := wire.NewReader(cmd)
	userID, err := r.ReadU32()
	if err != nil {
		return createPATCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_pat command")
	}
	name, err := r.ReadBytesWithLen()
	if err != nil {
		return createPATCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_pat command")
	}
	raw, err := r.ReadBytesWithLen()
	if err != nil {
		return createPATCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_pat command")
	}
	expiry, err := r.ReadU64()
	if err != nil {
		return createPATCmd{}, apperr.New(apperr.CodeInvalidCommand, "truncated create_pat command")
	}
	return createPATCmd{UserID: userID, Name: string(name), Raw: string(raw), Expiry: time.Duration(expiry)}, nil
}

func (s *System) applyCreatePAT(e statelog.Entry) error {
	c, err := decodeCreatePAT(e.Command)
	if err != nil {
		return err
	}
	err = s.auth.InstallPersonalAccessToken(c.UserID, c.Name, c.Raw, c.Expiry, time.UnixMicro(int64(e.Timestamp)))
	if err != nil && errors.Is(err, apperr.ErrInvalidCommand) {
		return nil // idempotent re-application during replay of an already-installed token
	}
	return err
}

// CreatePAT journals and applies a new personal access token (spec §6.3
// create_personal_access_token). The raw value is generated here, embedded
// in the journaled command, and returned to the caller exactly once; replay
// installs the same raw value rather than minting a new one.
func (s *System) CreatePAT(actingUserID, targetUserID uint32, name string, expiry time.Duration, now time.Time) (string, error) {
	raw, err := generatePATValue()
	if err != nil {
		return "", err
	}
	cmd := encodeCreatePAT(createPATCmd{UserID: targetUserID, Name: name, Raw: raw, Expiry: expiry})
	if _, err := s.state.Apply(CmdCreatePAT, actingUserID, cmd, nil, now); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *System) applyRevokePAT(e statelog.Entry) error {
	r := wire.NewReader(e.Command)
	name, err := r.ReadBytesWithLen()
	if err != nil {
		return apperr.New(apperr.CodeInvalidCommand, "truncated revoke_pat command")
	}
	if err := s.auth.RevokePersonalAccessToken(string(name)); err != nil && !errors.Is(err, apperr.ErrUserNotFound) {
		return err
	}
	return nil
}

// RevokePAT journals and applies personal access token revocation (spec
// §6.3 revoke_personal_access_token).
func (s *System) RevokePAT(actingUserID uint32, name string, now time.Time) error {
	w := wire.NewWriter(4 + len(name))
	w.WriteBytesWithLen([]byte(name))
	_, err := s.state.Apply(CmdRevokePAT, actingUserID, w.Bytes(), nil, now)
	return err
}

func generatePATValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthenticated, "generate personal access token", err)
	}
	return hex.EncodeToString(buf), nil
}

// ---- Consumer groups ----

func (s *System) applyCreateGroup(e statelog.Entry) error {
	streamID, topicID, groupID, name, err := decodeGroupCmd(e.Command)
	if err != nil {
		return err
	}
	t, err := s.resolveTopic(streamID, topicID)
	if err != nil {
		return err
	}
	t.CreateGroup(groupID, name)
	return nil
}

func (s *System) applyDeleteGroup(e statelog.Entry) error {
	streamID, topicID, groupID, _, err := decodeGroupCmd(e.Command)
	if err != nil {
		return err
	}
	t, err := s.resolveTopic(streamID, topicID)
	if err != nil {
		return err
	}
	t.DeleteGroup(groupID)
	return nil
}

func decodeGroupCmd(cmd []byte) (streamID, topicID, groupID uint32, name string, err error) {
	r := wire.NewReader(cmd)
	streamID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, "", apperr.New(apperr.CodeInvalidCommand, "truncated group command")
	}
	topicID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, "", apperr.New(apperr.CodeInvalidCommand, "truncated group command")
	}
	groupID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, "", apperr.New(apperr.CodeInvalidCommand, "truncated group command")
	}
	raw, err := r.ReadBytesWithLen()
	if err != nil {
		return 0, 0, 0, "", apperr.New(apperr.CodeInvalidCommand, "truncated group command")
	}
	return streamID, topicID, groupID, string(raw), nil
}

func encodeGroupCmd(streamID, topicID, groupID uint32, name string) []byte {
	w := wire.NewWriter(16 + len(name))
	w.WriteU32(streamID)
	w.WriteU32(topicID)
	w.WriteU32(groupID)
	w.WriteBytesWithLen([]byte(name))
	return w.Bytes()
}

// CreateGroup journals and applies a new consumer group (spec §4.3 create_consumer_group).
func (s *System) CreateGroup(userID, streamID, topicID, groupID uint32, name string, now time.Time) error {
	_, err := s.state.Apply(CmdCreateGroup, userID, encodeGroupCmd(streamID, topicID, groupID, name), nil, now)
	return err
}

// DeleteGroup journals and applies consumer group deletion (spec §4.3 delete_consumer_group).
func (s *System) DeleteGroup(userID, streamID, topicID, groupID uint32, now time.Time) error {
	_, err := s.state.Apply(CmdDeleteGroup, userID, encodeGroupCmd(streamID, topicID, groupID, ""), nil, now)
	return err
}

// ---- Stored consumer offsets ----

func (s *System) applyStoreConsumerOffset(e statelog.Entry) error {
	streamID, topicID, partitionID, consumerID, offset, err := decodeStoreOffsetCmd(e.Command)
	if err != nil {
		return err
	}
	t, err := s.resolveTopic(streamID, topicID)
	if err != nil {
		return err
	}
	p, err := t.PartitionByID(partitionID)
	if err != nil {
		return err
	}
	return p.StoreConsumerOffset(consumerID, offset)
}

func decodeStoreOffsetCmd(cmd []byte) (streamID, topicID, partitionID uint32, consumerID string, offset uint64, err error) {
	r := wire.NewReader(cmd)
	streamID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, "", 0, apperr.New(apperr.CodeInvalidCommand, "truncated store_offset command")
	}
	topicID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, "", 0, apperr.New(apperr.CodeInvalidCommand, "truncated store_offset command")
	}
	partitionID, err = r.ReadU32()
	if err != nil {
		return 0, 0, 0, "", 0, apperr.New(apperr.CodeInvalidCommand, "truncated store_offset command")
	}
	raw, err := r.ReadBytesWithLen()
	if err != nil {
		return 0, 0, 0, "", 0, apperr.New(apperr.CodeInvalidCommand, "truncated store_offset command")
	}
	offset, err = r.ReadU64()
	if err != nil {
		return 0, 0, 0, "", 0, apperr.New(apperr.CodeInvalidCommand, "truncated store_offset command")
	}
	return streamID, topicID, partitionID, string(raw), offset, nil
}

func encodeStoreOffsetCmd(streamID, topicID, partitionID uint32, consumerID string, offset uint64) []byte {
	w := wire.NewWriter(24 + len(consumerID))
	w.WriteU32(streamID)
	w.WriteU32(topicID)
	w.WriteU32(partitionID)
	w.WriteBytesWithLen([]byte(consumerID))
	w.WriteU64(offset)
	return w.Bytes()
}

// StoreConsumerOffset journals and applies a consumer offset commit
// (spec §4.3 store_consumer_offset), so the commit is replayed on restart.
// Auto-commit polls through pkg/topic and pkg/partition store their offsets
// in the partition directly and do not pass through here.
func (s *System) StoreConsumerOffset(userID, streamID, topicID, partitionID uint32, consumerID string, offset uint64, now time.Time) error {
	cmd := encodeStoreOffsetCmd(streamID, topicID, partitionID, consumerID, offset)
	_, err := s.state.Apply(CmdStoreConsumerOffset, userID, cmd, nil, now)
	return err
}
