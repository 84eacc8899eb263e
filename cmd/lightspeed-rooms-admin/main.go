package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/notify"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
)

// A very simple CLI tool for the administration of lightspeed-rooms rooms and users.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

// activeSince is implemented by activity stores that can list recently active users.
type activeSince interface {
	ActiveSince(t time.Time) ([]uint, error)
}

func printJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		globals.AppLogger.Error("could not marshal result", "error", err)
		return
	}
	fmt.Println(string(b))
}

func parseUserIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", arg, err)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)

	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	persister, err := persistence.NewGormPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	activity, err := persistence.NewBuntActivityStore(globalConfig)
	if err != nil {
		panic(err)
	}
	if activity != nil {
		defer activity.Close()
	}

	ctx := context.Background()
	directory := room.NewDirectory(persister, room.NewRegistry(), nil)
	members := room.NewMembers(persister)
	engine := notify.NewEngine(persister, activity, globalConfig, nil)

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or users",
		Long:  `show is for printing user or room information.`,
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms, most recently modified first.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := directory.List(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [slug]",
		Short: "Show room",
		Long:  `show room prints the room with the given slug and its members.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			r, err := directory.Get(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			users, err := members.MembersOf(ctx, r)
			if err != nil {
				globals.AppLogger.Error("could not get members", "error", err)
				return
			}
			printJSON(struct {
				*types.Room
				Kind    types.RoomKind `json:"kind"`
				Members []*types.User  `json:"members"`
			}{Room: r, Kind: r.Kind(), Members: users})
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Long:  `shows a listing of all available users.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [username]",
		Short: "Show user",
		Long:  `show user prints the user with the given name and the rooms with unread messages.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUserByName(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			unread, err := engine.Snapshot(ctx, user.ID)
			if err != nil {
				globals.AppLogger.Error("could not count unread messages", "error", err)
				return
			}
			printJSON(struct {
				*types.User
				Unread *types.UnreadMessagesFrame `json:"unread"`
			}{User: user, Unread: unread})
		},
	}
	var cmdShowActive = &cobra.Command{
		Use:   "active [duration]",
		Short: "Show active users",
		Long:  `show active lists the ids of users active within the given duration (f.e. "30m").`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				globals.AppLogger.Error("invalid duration", "error", err)
				return
			}
			store, ok := activity.(activeSince)
			if !ok {
				globals.AppLogger.Error("no activity store configured")
				return
			}
			ids, err := store.ActiveSince(types.Now().Add(-d))
			if err != nil {
				globals.AppLogger.Error("could not get active users", "error", err)
				return
			}
			printJSON(ids)
		},
	}
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "create/update users",
		Long:  `set creates or updates a user.`,
	}
	var cmdSetUser = &cobra.Command{
		Use:   "user [user definition]",
		Short: "Set user",
		Long:  `set user creates or updates a user with the given definition. If the user definition is "-", it is read from STDIN.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var r io.Reader
			if args[0] == "-" {
				r = os.Stdin
			} else {
				r = bytes.NewReader([]byte(args[0]))
			}
			dec := json.NewDecoder(r)
			user := types.User{}
			err := dec.Decode(&user)
			if err != nil {
				globals.AppLogger.Error("could not decode user", "error", err)
				return
			}
			if user.Username == "" {
				globals.AppLogger.Error("no username")
				return
			}
			err = persister.StoreUser(ctx, &user)
			if err != nil {
				globals.AppLogger.Error("could not store user", "error", err)
				return
			}
			printJSON(user)
		},
	}
	var cmdRename = &cobra.Command{
		Use:   "rename [slug] [name] [current name]",
		Short: "Rename room",
		Long:  `rename sets the name of the room with the given slug. If the current name is given, the name is only changed while the room still has it.`,
		Args:  cobra.RangeArgs(2, 3),
		Run: func(cmd *cobra.Command, args []string) {
			var guard *string
			if len(args) == 3 {
				guard = &args[2]
			}
			err := directory.Rename(ctx, args[0], args[1], guard)
			if err != nil {
				globals.AppLogger.Error("could not rename room", "error", err)
			}
		},
	}
	var cmdCreateGroup = &cobra.Command{
		Use:   "create-group [user id]...",
		Short: "Create group room",
		Long:  `create-group returns the group room of exactly the given users, creating it if needed.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ids, err := parseUserIDs(args)
			if err != nil {
				globals.AppLogger.Error("could not parse user ids", "error", err)
				return
			}
			r, err := directory.GetOrCreateGroupForMembers(ctx, ids)
			if err != nil {
				globals.AppLogger.Error("could not create group", "error", err)
				return
			}
			printJSON(r)
		},
	}
	var cmdSweep = &cobra.Command{
		Use:   "sweep",
		Short: "Send digest mails",
		Long:  `sweep runs one unread digest sweep and prints the number of notified users.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sweeper, err := notify.NewSweeper(engine, persister, activity, notify.NewMailer(globalConfig, nil), globalConfig, nil)
			if err != nil {
				globals.AppLogger.Error("could not create sweeper", "error", err)
				return
			}
			n, err := sweeper.Run(ctx)
			if err != nil {
				globals.AppLogger.Error("sweep failed", "error", err)
				return
			}
			fmt.Println(n)
		},
	}
	var rootCmd = &cobra.Command{Use: "lightspeed-rooms-admin"}
	rootCmd.AddCommand(cmdShow, cmdSet, cmdRename, cmdCreateGroup, cmdSweep)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser, cmdShowActive)
	cmdSet.AddCommand(cmdSetUser)
	rootCmd.SetArgs(pflag.Args())
	rootCmd.Execute()
}
