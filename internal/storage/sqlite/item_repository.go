package sqlite

import "database/sql"

// ItemRepository is the SQLite item store.
type ItemRepository struct {
	*ItemReadRepository
	*ItemWriteRepository
}

func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{
		ItemReadRepository:  NewItemReadRepository(db),
		ItemWriteRepository: NewItemWriteRepository(db),
	}
}
