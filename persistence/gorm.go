package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormPersist struct {
	db *gorm.DB
}

// NewGormPersister opens the configured database and migrates the schema. It returns nil if no
// DSN is configured.
func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no configuration, ignore the persister
	}
	return NewGormPersisterFromDB(db)
}

// NewGormPersisterFromDB wraps an already opened database.
func NewGormPersisterFromDB(db *gorm.DB) (*GormPersist, error) {
	err := db.AutoMigrate(&types.User{}, &types.Room{}, &types.RoomMember{}, &types.Message{})
	if err != nil {
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite", "":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if dial.Name() == "sqlite" {
		// sqlite serializes writers anyway, a single connection avoids "database is locked"
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	return err
}

func (p *GormPersist) StoreUser(ctx context.Context, user *types.User) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(user).Error
}

func (p *GormPersist) GetUser(ctx context.Context, id uint) (*types.User, error) {
	user := &types.User{}
	err := p.db.WithContext(ctx).First(user, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

func (p *GormPersist) GetUserByName(ctx context.Context, username string) (*types.User, error) {
	user := &types.User{}
	err := p.db.WithContext(ctx).Where("username = ?", username).First(user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

func (p *GormPersist) GetUsersByID(ctx context.Context, ids []uint) ([]*types.User, error) {
	users := make([]*types.User, 0, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	err := p.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&users).Error
	return users, err
}

func (p *GormPersist) GetUsers(ctx context.Context) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).Order("id").Find(&users).Error
	return users, err
}

func (p *GormPersist) GetRoomBySlug(ctx context.Context, slug string) (*types.Room, error) {
	room := &types.Room{}
	err := p.db.WithContext(ctx).Where("slug = ?", slug).First(room).Error
	if err != nil {
		return nil, notFound(err)
	}
	return room, nil
}

func (p *GormPersist) GetRooms(ctx context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.WithContext(ctx).Order("modified_at DESC, id DESC").Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) GetOrCreateRoom(ctx context.Context, room *types.Room, memberIDs []uint, at time.Time) (*types.Room, error) {
	stored := &types.Room{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := &types.Room{
			Slug:       room.Slug,
			Name:       room.Name,
			CreatedAt:  at,
			ModifiedAt: at,
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(candidate).Error
		if err != nil {
			return err
		}
		err = tx.Where("slug = ?", room.Slug).First(stored).Error
		if err != nil {
			return err
		}
		for _, userID := range memberIDs {
			_, _, err := addMember(tx, stored.ID, userID, at, &at)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	return stored, nil
}

func (p *GormPersist) CreateGroupRoom(ctx context.Context, memberIDs []uint, at time.Time) (*types.Room, error) {
	room := &types.Room{
		Slug:       "group-pending-" + uuid.New().String(),
		CreatedAt:  at,
		ModifiedAt: at,
	}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(room).Error
		if err != nil {
			return err
		}
		room.Slug = fmt.Sprintf("%s%d", types.GroupSlugPrefix, room.ID)
		room.Name = fmt.Sprintf("Group #%d", room.ID)
		err = tx.Model(room).Updates(map[string]interface{}{"slug": room.Slug, "name": room.Name}).Error
		if err != nil {
			return err
		}
		for _, userID := range memberIDs {
			_, _, err := addMember(tx, room.ID, userID, at, &at)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *GormPersist) FindGroupRooms(ctx context.Context, memberIDs []uint) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	if len(memberIDs) == 0 {
		return rooms, nil
	}
	n := len(memberIDs)
	err := p.db.WithContext(ctx).
		Model(&types.Room{}).
		Select("rooms.*").
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("rooms.slug LIKE ?", types.GroupSlugPrefix+"%").
		Group("rooms.id").
		Having("COUNT(*) = ? AND SUM(CASE WHEN room_members.user_id IN ? THEN 1 ELSE 0 END) = ?", n, memberIDs, n).
		Order("rooms.created_at DESC, rooms.id DESC").
		Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) RenameRoom(ctx context.Context, slug, name string, onlyIfCurrent *string) error {
	query := p.db.WithContext(ctx).Model(&types.Room{}).Where("slug = ?", slug)
	if onlyIfCurrent != nil {
		query = query.Where("name = ?", *onlyIfCurrent)
	}
	return query.Update("name", name).Error
}

func (p *GormPersist) TouchRoom(ctx context.Context, room *types.Room, at time.Time) error {
	err := p.db.WithContext(ctx).Model(&types.Room{}).Where("id = ?", room.ID).Update("modified_at", at).Error
	if err != nil {
		return err
	}
	room.ModifiedAt = at
	return nil
}

func (p *GormPersist) GetMember(ctx context.Context, roomID, userID uint) (*types.RoomMember, error) {
	member := &types.RoomMember{}
	err := p.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(member).Error
	if err != nil {
		return nil, notFound(err)
	}
	return member, nil
}

func addMember(tx *gorm.DB, roomID, userID uint, at time.Time, lastRead *time.Time) (*types.RoomMember, bool, error) {
	member := &types.RoomMember{
		RoomID:       roomID,
		UserID:       userID,
		LastRead:     lastRead,
		LastNotified: at,
	}
	res := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(member)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return member, true, nil
	}
	existing := &types.RoomMember{}
	err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).First(existing).Error
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *GormPersist) AddMember(ctx context.Context, roomID, userID uint, at time.Time, lastRead *time.Time) (*types.RoomMember, bool, error) {
	member, created, err := addMember(p.db.WithContext(ctx), roomID, userID, at, lastRead)
	if err != nil {
		return nil, false, notFound(err)
	}
	return member, created, nil
}

func (p *GormPersist) RemoveMember(ctx context.Context, roomID, userID uint) error {
	return p.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&types.RoomMember{}).Error
}

func (p *GormPersist) GetRoomUsers(ctx context.Context, roomID uint) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).
		Select("users.*").
		Joins("JOIN room_members ON room_members.user_id = users.id").
		Where("room_members.room_id = ?", roomID).
		Order("users.id").
		Find(&users).Error
	return users, err
}

func (p *GormPersist) GetNonMembers(ctx context.Context, roomID uint) ([]*types.User, error) {
	users := make([]*types.User, 0)
	db := p.db.WithContext(ctx)
	members := db.Model(&types.RoomMember{}).Select("user_id").Where("room_id = ?", roomID)
	err := db.Where("id NOT IN (?)", members).Order("id").Find(&users).Error
	return users, err
}

func (p *GormPersist) CountMembers(ctx context.Context, roomID uint) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&types.RoomMember{}).Where("room_id = ?", roomID).Count(&count).Error
	return count, err
}

func (p *GormPersist) SetLastRead(ctx context.Context, roomID, userID uint, at time.Time) (*types.RoomMember, error) {
	lastRead := at
	member := &types.RoomMember{
		RoomID:       roomID,
		UserID:       userID,
		LastRead:     &lastRead,
		LastNotified: at,
	}
	db := p.db.WithContext(ctx)
	err := db.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_read": lastRead}),
	}).Create(member).Error
	if err != nil {
		return nil, notFound(err)
	}
	return p.GetMember(ctx, roomID, userID)
}

func (p *GormPersist) SetLastNotified(ctx context.Context, roomID, userID uint, at time.Time) error {
	res := p.db.WithContext(ctx).Model(&types.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Update("last_notified", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *GormPersist) GetMemberships(ctx context.Context, userID uint) ([]*types.RoomMember, error) {
	members := make([]*types.RoomMember, 0)
	err := p.db.WithContext(ctx).Preload("Room").Where("user_id = ?", userID).Find(&members).Error
	return members, err
}

func (p *GormPersist) StoreMessage(ctx context.Context, message *types.Message) error {
	return p.db.WithContext(ctx).Omit(clause.Associations).Create(message).Error
}

func (p *GormPersist) GetMessages(ctx context.Context, roomID uint) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.WithContext(ctx).Preload("User").Where("room_id = ?", roomID).Order("created_at, id").Find(&messages).Error
	return messages, err
}

// unread restricts a messages query to messages of other users newer than the member's last
// read. System messages never count.
func unread(db *gorm.DB, userID uint) *gorm.DB {
	return db.
		Joins("JOIN room_members ON room_members.room_id = messages.room_id AND room_members.user_id = ?", userID).
		Where("messages.user_id IS NOT NULL AND messages.user_id <> ?", userID).
		Where("(room_members.last_read IS NULL OR messages.created_at > room_members.last_read)")
}

func (p *GormPersist) CountUnread(ctx context.Context, userID uint) (map[uint]int64, error) {
	rows := make([]struct {
		RoomID uint
		Unread int64
	}, 0)
	err := unread(p.db.WithContext(ctx).Model(&types.Message{}), userID).
		Select("messages.room_id AS room_id, COUNT(*) AS unread").
		Group("messages.room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make(map[uint]int64, len(rows))
	for _, row := range rows {
		if row.Unread > 0 {
			res[row.RoomID] = row.Unread
		}
	}
	return res, nil
}

func (p *GormPersist) GetUnreadMessages(ctx context.Context, userID, roomID uint) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := unread(p.db.WithContext(ctx).Model(&types.Message{}), userID).
		Select("messages.*").
		Preload("User").
		Where("messages.room_id = ?", roomID).
		Order("messages.created_at, messages.id").
		Find(&messages).Error
	return messages, err
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
