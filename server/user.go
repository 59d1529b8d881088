package server

// User represents an authenticated mailbox owner attached to a session.
type User struct {
	address   Address
	mailboxID int64
}

func NewUser(address Address, mailboxID int64) *User {
	return &User{address: address, mailboxID: mailboxID}
}

func (u *User) Address() Address {
	return u.address
}

func (u *User) FullAddress() string {
	return u.address.FullAddress()
}

func (u *User) MailboxID() int64 {
	return u.mailboxID
}
