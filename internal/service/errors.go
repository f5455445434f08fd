package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotParticipant     = errors.New("you are not a participant of this chat room")
	ErrNotAdmin           = errors.New("you are not an admin of this chat room")
	ErrTargetNotMember    = errors.New("user is not a participant of this chat room")
	ErrNoParticipants     = errors.New("at least one participant is required")
	ErrCannotRemoveSelf   = errors.New("cannot remove yourself, use the leave endpoint instead")
	ErrCannotRemoveOwner  = errors.New("cannot remove the creator of the chat room")
	ErrCannotRevokeOwner  = errors.New("cannot remove admin rights from the creator of the chat room")
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrSenderMismatch     = errors.New("invalid sender username")
	ErrDeleteForbidden    = errors.New("you can only delete your own messages or need admin rights")
	ErrSelfFriend         = errors.New("cannot add yourself as a friend")
	ErrAlreadyFriends     = errors.New("already friends")
)
