package filter

/*
Here the Env used in the recipient filters is defined.
Filters are part of the configuration, so renaming properties breaks existing configurations.
*/

type User struct {
	Id         uint
	Username   string
	Email      string
	LastActive int64 // unix seconds, 0 if unknown
}

type Env struct {
	User
	Now int64 // unix seconds

	Domain func(email string) string
	Since  func(ts int64) int64
}
