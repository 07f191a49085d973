package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const pathSeparator = "/"

// Member is a node of the referral network. Path holds every ancestor id,
// root first, encoded as "/<root>/.../<sponsor>/" so that a subtree is a prefix match.
type Member struct {
	ID                snowflake.ID  `gorm:"primaryKey;autoIncrement:false"`
	SponsorID         *snowflake.ID `gorm:"index"`
	Path              string        `gorm:"type:text;not null;index"`
	Depth             int           `gorm:"not null"`
	Onboarded         bool          `gorm:"not null;index"`
	OnboardedAt       *time.Time
	TierCode          string `gorm:"type:text;not null"`
	TierEnteredAt     *time.Time
	PermanentTierCode string    `gorm:"type:text;not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "members" }

// Ancestors returns the ancestor ids nearest first.
func (m Member) Ancestors() []snowflake.ID {
	ids := ParsePath(m.Path)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// SubtreePrefix is the path prefix shared by every descendant of m.
func (m Member) SubtreePrefix() string {
	return ChildPath(m.Path, m.ID)
}

// HasAncestor reports whether id appears anywhere in m's ancestry.
func (m Member) HasAncestor(id snowflake.ID) bool {
	return strings.Contains(m.Path, pathSeparator+id.String()+pathSeparator)
}

// ChildPath builds the path of a direct child of the member at parentPath.
func ChildPath(parentPath string, parentID snowflake.ID) string {
	if parentPath == "" {
		parentPath = pathSeparator
	}
	return parentPath + parentID.String() + pathSeparator
}

// ParsePath decodes a stored path into ids, root first.
func ParsePath(path string) []snowflake.ID {
	parts := strings.Split(strings.Trim(path, pathSeparator), pathSeparator)
	ids := make([]snowflake.ID, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		id, err := snowflake.ParseString(part)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// TierState is the tier placement the evaluator writes back onto a member.
type TierState struct {
	TierCode          string
	TierEnteredAt     *time.Time
	PermanentTierCode string
}
