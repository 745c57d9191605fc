package room

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrEmptyRoomID  = errors.New("room id is empty")
)
