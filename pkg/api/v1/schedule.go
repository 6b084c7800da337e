package v1

import "time"

// Schedule is the external view of one cron schedule
type Schedule struct {
	ID          string     `json:"id"`
	ManagerID   string     `json:"manager_id"`
	Name        string     `json:"name"`
	Cron        string     `json:"cron"`
	Message     string     `json:"message"`
	OneShot     bool       `json:"one_shot"`
	Timezone    string     `json:"timezone,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	NextFireAt  time.Time  `json:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}

// AddScheduleRequest is the payload for schedule.add
type AddScheduleRequest struct {
	ManagerID string `json:"manager_id"`
	Name      string `json:"name"`
	Cron      string `json:"cron"`
	Message   string `json:"message"`
	OneShot   bool   `json:"one_shot,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// RemoveScheduleRequest is the payload for schedule.remove
type RemoveScheduleRequest struct {
	ManagerID  string `json:"manager_id"`
	ScheduleID string `json:"schedule_id"`
}

// ListSchedulesRequest is the payload for schedule.list
type ListSchedulesRequest struct {
	ManagerID string `json:"manager_id"`
}
