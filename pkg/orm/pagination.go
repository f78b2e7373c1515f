package orm

import "gorm.io/gorm"

// MaxLimit caps a page so one request cannot scan the whole table.
const MaxLimit = 500

// ApplyPagination applies offset/limit; page <= 0 or limit <= 0 leaves the query unpaged.
func ApplyPagination(db *gorm.DB, page, limit int) *gorm.DB {
	if page > 0 && limit > 0 {
		if limit > MaxLimit {
			limit = MaxLimit
		}
		offset := (page - 1) * limit
		return db.Offset(offset).Limit(limit)
	}
	return db
}
