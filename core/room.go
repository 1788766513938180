package core

import "strconv"

// Room identifies a chat group. Valid rooms are positive; zero means the
// client has not joined one.
type Room int

const NoRoom Room = 0

func (r Room) Valid() bool {
	return r > 0
}

func (r Room) String() string {
	return strconv.Itoa(int(r))
}
