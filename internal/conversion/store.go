package conversion

import (
	"context"
	"strings"
	"time"

	"jp2web/internal/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is what the processor needs from persistence.
type Store interface {
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to the current row under a row lock and saves the
	// result in one short transaction. An error from fn aborts the write.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
}

// Repository is the full job persistence surface used by the service.
type Repository interface {
	Store
	Create(ctx context.Context, j *Job) error
	Delete(ctx context.Context, id string) error
	ForUser(ctx context.Context, userID uint64, id string) (*Job, error)
	List(ctx context.Context, q ListQuery) ([]Job, int64, error)
	Stats(ctx context.Context, userID uint64) (Stats, error)
	StalePending(ctx context.Context, before time.Time) ([]Job, error)
	IDs(ctx context.Context) ([]string, error)
}

const PageSize = 10

type ListQuery struct {
	UserID       uint64
	Status       string
	Mode         string
	DocumentType string
	Search       string
	Sort         string
	Page         int
}

var sortColumns = map[string]string{
	"created_at":         "created_at asc",
	"-created_at":        "created_at desc",
	"completed_at":       "completed_at asc",
	"-completed_at":      "completed_at desc",
	"original_filename":  "input_name asc",
	"-original_filename": "input_name desc",
	"compression_ratio":  "compression_ratio asc",
	"-compression_ratio": "compression_ratio desc",
}

// OrderBy maps a user supplied sort key to an ORDER BY clause. Keys outside
// the whitelist fall back to newest first.
func OrderBy(sort string) string {
	if o, ok := sortColumns[sort]; ok {
		return o
	}
	return "created_at desc"
}

type Stats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	Recent     []Job            `json:"recent"`
	Original   int64            `json:"total_original_size"`
	Converted  int64            `json:"total_converted_size"`
	SpaceSaved int64            `json:"space_saved"`
	AvgRatio   float64          `json:"average_compression_ratio"`
}

type GormStore struct {
	DB *gorm.DB
}

func notFound(id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFoundf("job %s not found", id)
	}
	return errors.Wrapf(err, "load job %s", id)
}

func (s *GormStore) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, notFound(id, err)
	}
	return &j, nil
}

func (s *GormStore) ForUser(ctx context.Context, userID uint64, id string) (*Job, error) {
	var j Job
	if err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&j).Error; err != nil {
		return nil, notFound(id, err)
	}
	return &j, nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var out Job
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&j).Error; err != nil {
			return notFound(id, err)
		}
		if err := fn(&j); err != nil {
			return err
		}
		if err := tx.Save(&j).Error; err != nil {
			return errors.Wrapf(err, "save job %s", id)
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) Create(ctx context.Context, j *Job) error {
	return errors.Wrap(s.DB.WithContext(ctx).Create(j).Error, "create job")
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return errors.Wrap(s.DB.WithContext(ctx).Where("id = ?", id).Delete(&Job{}).Error, "delete job")
}

func (s *GormStore) List(ctx context.Context, q ListQuery) ([]Job, int64, error) {
	db := s.DB.WithContext(ctx).Model(&Job{}).Where("user_id = ?", q.UserID)
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.Mode != "" {
		db = db.Where("compression_mode = ?", q.Mode)
	}
	if q.DocumentType != "" {
		db = db.Where("document_type = ?", q.DocumentType)
	}
	if term := strings.TrimSpace(q.Search); term != "" {
		db = db.Where("input_name ILIKE ?", "%"+term+"%")
	}

	// reusable for both the count and the page query
	db = db.Session(&gorm.Session{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count jobs")
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	var out []Job
	if err := db.Order(OrderBy(q.Sort)).
		Limit(PageSize).
		Offset((page - 1) * PageSize).
		Find(&out).Error; err != nil {
		return nil, 0, errors.Wrap(err, "list jobs")
	}
	return out, total, nil
}

func (s *GormStore) Stats(ctx context.Context, userID uint64) (Stats, error) {
	st := Stats{ByStatus: map[string]int64{}}
	db := s.DB.WithContext(ctx)

	var counts []struct {
		Status string
		N      int64
	}
	if err := db.Model(&Job{}).
		Select("status, count(*) as n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&counts).Error; err != nil {
		return st, errors.Wrap(err, "count by status")
	}
	for _, c := range counts {
		st.ByStatus[c.Status] = c.N
		st.Total += c.N
	}

	var sums struct {
		Original  int64
		Converted int64
		AvgRatio  float64
	}
	if err := db.Model(&Job{}).
		Select("coalesce(sum(original_size),0) as original, coalesce(sum(converted_size),0) as converted, coalesce(avg(compression_ratio),0) as avg_ratio").
		Where("user_id = ? AND status = ?", userID, StatusCompleted).
		Scan(&sums).Error; err != nil {
		return st, errors.Wrap(err, "sum sizes")
	}
	st.Original = sums.Original
	st.Converted = sums.Converted
	st.SpaceSaved = sums.Original - sums.Converted
	st.AvgRatio = sums.AvgRatio

	if err := db.Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(5).
		Find(&st.Recent).Error; err != nil {
		return st, errors.Wrap(err, "recent jobs")
	}
	return st, nil
}

func (s *GormStore) StalePending(ctx context.Context, before time.Time) ([]Job, error) {
	var out []Job
	err := s.DB.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, before).
		Order("created_at asc").
		Find(&out).Error
	return out, errors.Wrap(err, "stale pending jobs")
}

func (s *GormStore) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&Job{}).Pluck("id", &ids).Error
	return ids, errors.Wrap(err, "list job ids")
}
