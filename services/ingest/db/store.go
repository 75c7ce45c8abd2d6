package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/city-of-baltimore/atves/lib/timezone"

	"github.com/shopspring/decimal"
)

// Store is the typed access layer over the warehouse. Batch writes run
// in one short transaction each; re-running an import over the same
// range must leave the tables unchanged.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Violation categories; the descriptions are seeded into
// atves_violation_categories.
const (
	CategoryUnknown = iota
	CategoryInProcess
	CategoryNonViolation
	CategoryControllableReject
	CategoryUncontrollableReject
	CategoryIssued
)

var categoryDescriptions = map[int]string{
	CategoryUnknown:              "Unknown",
	CategoryInProcess:            "In Process",
	CategoryNonViolation:         "Non-violation",
	CategoryControllableReject:   "Controllable Reject",
	CategoryUncontrollableReject: "Uncontrollable Reject",
	CategoryIssued:               "Issued",
}

// CategoryDescription returns the canonical description for a
// violation category code.
func CategoryDescription(cat int) string {
	return categoryDescriptions[cat]
}

// SeedViolationCategories makes sure the category lookup table is
// populated. Runs once at startup.
func (s Store) SeedViolationCategories(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for cat := CategoryUnknown; cat <= CategoryIssued; cat++ {
		_, err := tx.ExecContext(ctx, `
			insert into atves_violation_categories (violation_cat, description)
			values (?, ?)
			on conflict (violation_cat) do update set description = excluded.description`,
			cat, categoryDescriptions[cat])
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

type CameraLocation struct {
	LocationCode     string
	Description      string
	Lat              *float64
	Long             *float64
	CamType          string
	EffectiveDate    *time.Time
	LastObservedDate *time.Time
	SpeedLimit       *int
	Status           *bool
}

// UpsertCameraLocation creates or refreshes one camera record. Fields
// that are nil in loc keep whatever value the row already has; the
// geocode can arrive in a later pass than the code itself.
func (s Store) UpsertCameraLocation(ctx context.Context, loc CameraLocation) error {
	var effective, observed *string
	if loc.EffectiveDate != nil {
		v := formatDate(*loc.EffectiveDate)
		effective = &v
	}
	if loc.LastObservedDate != nil {
		v := formatDate(*loc.LastObservedDate)
		observed = &v
	}

	_, err := s.db.ExecContext(ctx, `
		insert into atves_cam_locations
			(location_code, location_description, lat, long, cam_type,
			 effective_date, last_observed_date, speed_limit, status)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (location_code) do update set
			location_description = excluded.location_description,
			lat = coalesce(excluded.lat, lat),
			long = coalesce(excluded.long, long),
			cam_type = excluded.cam_type,
			effective_date = coalesce(excluded.effective_date, effective_date),
			last_observed_date = coalesce(excluded.last_observed_date, last_observed_date),
			speed_limit = coalesce(excluded.speed_limit, speed_limit),
			status = coalesce(excluded.status, status)`,
		loc.LocationCode, loc.Description, loc.Lat, loc.Long, loc.CamType,
		effective, observed, loc.SpeedLimit, loc.Status)
	return err
}

func (s Store) GetCameraLocation(ctx context.Context, locationCode string) (*CameraLocation, error) {
	row := s.db.QueryRowContext(ctx, `
		select location_code, location_description, lat, long, cam_type,
		       effective_date, last_observed_date, speed_limit, status
		from atves_cam_locations where location_code = ?`, locationCode)
	loc, err := scanCameraLocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return loc, err
}

func (s Store) ListCameraLocations(ctx context.Context) ([]CameraLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select location_code, location_description, lat, long, cam_type,
		       effective_date, last_observed_date, speed_limit, status
		from atves_cam_locations order by location_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []CameraLocation
	for rows.Next() {
		loc, err := scanCameraLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, *loc)
	}
	return locations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCameraLocation(row rowScanner) (*CameraLocation, error) {
	loc := CameraLocation{}
	var effective, observed *string
	err := row.Scan(&loc.LocationCode, &loc.Description, &loc.Lat, &loc.Long,
		&loc.CamType, &effective, &observed, &loc.SpeedLimit, &loc.Status)
	if err != nil {
		return nil, err
	}
	if effective != nil {
		ts, err := parseDate(*effective, timezone.Location)
		if err != nil {
			return nil, err
		}
		loc.EffectiveDate = &ts
	}
	if observed != nil {
		ts, err := parseDate(*observed, timezone.Location)
		if err != nil {
			return nil, err
		}
		loc.LastObservedDate = &ts
	}
	return &loc, nil
}

type TrafficCount struct {
	LocationCode string
	Date         time.Time
	Count        int
}

func (s Store) UpsertTrafficCounts(ctx context.Context, counts []TrafficCount) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, count := range counts {
			_, err := tx.ExecContext(ctx, `
				insert into atves_traffic_counts (location_code, date, count)
				values (?, ?, ?)
				on conflict (location_code, date) do update set count = excluded.count`,
				count.LocationCode, formatDate(count.Date), count.Count)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type Violation struct {
	Date         time.Time
	LocationCode string
	Category     int
	Details      string
	Count        int
}

func (s Store) UpsertViolations(ctx context.Context, violations []Violation) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, v := range violations {
			_, err := tx.ExecContext(ctx, `
				insert into atves_violations (date, location_code, violation_cat, details, count)
				values (?, ?, ?, ?, ?)
				on conflict (date, location_code, violation_cat, details) do update set
					count = excluded.count`,
				formatDate(v.Date), v.LocationCode, v.Category, v.Details, v.Count)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type AmberTimeReject struct {
	EventNumber     int
	LocationCode    int
	DeploymentNo    int
	ViolationDate   time.Time
	AmberTime       decimal.Decimal
	AmberRejectCode string
}

func (s Store) UpsertAmberTimeRejects(ctx context.Context, rejects []AmberTimeReject) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, r := range rejects {
			_, err := tx.ExecContext(ctx, `
				insert into atves_amber_time_rejects
					(event_number, location_code, deployment_no, violation_date, amber_time, amber_reject_code)
				values (?, ?, ?, ?, ?, ?)
				on conflict (event_number) do update set
					location_code = excluded.location_code,
					deployment_no = excluded.deployment_no,
					violation_date = excluded.violation_date,
					amber_time = excluded.amber_time,
					amber_reject_code = excluded.amber_reject_code`,
				r.EventNumber, r.LocationCode, r.DeploymentNo,
				formatDatetime(r.ViolationDate), r.AmberTime.String(), r.AmberRejectCode)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAmberTimeReject reads one reject back by event number, mainly for
// verification.
func (s Store) GetAmberTimeReject(ctx context.Context, eventNumber int) (*AmberTimeReject, error) {
	row := s.db.QueryRowContext(ctx, `
		select event_number, location_code, deployment_no, violation_date, amber_time, amber_reject_code
		from atves_amber_time_rejects where event_number = ?`, eventNumber)

	r := AmberTimeReject{}
	var violationDate, amber string
	err := row.Scan(&r.EventNumber, &r.LocationCode, &r.DeploymentNo,
		&violationDate, &amber, &r.AmberRejectCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.ViolationDate, err = parseDate(violationDate, timezone.Location); err != nil {
		return nil, err
	}
	if r.AmberTime, err = decimal.NewFromString(amber); err != nil {
		return nil, err
	}
	return &r, nil
}

type ApprovalDetail struct {
	CitationNo     string
	Disapproved    int
	Approved       int
	Officer        string
	ViolationDate  time.Time
	ReviewStatus   string
	ReviewDatetime time.Time
}

func (s Store) UpsertApprovalDetails(ctx context.Context, details []ApprovalDetail) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, d := range details {
			_, err := tx.ExecContext(ctx, `
				insert into atves_approval_by_review_date_details
					(citation_no, disapproved, approved, officer, violation_date, review_status, review_datetime)
				values (?, ?, ?, ?, ?, ?, ?)
				on conflict (citation_no) do update set
					disapproved = excluded.disapproved,
					approved = excluded.approved,
					officer = excluded.officer,
					violation_date = excluded.violation_date,
					review_status = excluded.review_status,
					review_datetime = excluded.review_datetime`,
				d.CitationNo, d.Disapproved, d.Approved, d.Officer,
				formatDatetime(d.ViolationDate), d.ReviewStatus, formatDatetime(d.ReviewDatetime))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type ByLocationSummary struct {
	Date                   time.Time
	LocationCode           int
	Section                string
	Details                string
	PercentageDesc         string
	Issued                 int
	InProcess              int
	NonViolations          int
	ControllableRejects    int
	UncontrollableRejects  int
	PendingInitialApproval int
	PendingRejectApproval  int
	Description            string
	DetailCount            int
	OrderBy                int
}

func (s Store) UpsertLocationSummaries(ctx context.Context, summaries []ByLocationSummary) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, sum := range summaries {
			_, err := tx.ExecContext(ctx, `
				insert into atves_by_location
					(date, location_code, section, details, percentage_desc, issued, in_process,
					 non_violations, controllable_rejects, uncontrollable_rejects,
					 pending_initial_approval, pending_reject_approval, vc_description,
					 detail_count, order_by)
				values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				on conflict (date, location_code, details) do update set
					section = excluded.section,
					percentage_desc = excluded.percentage_desc,
					issued = excluded.issued,
					in_process = excluded.in_process,
					non_violations = excluded.non_violations,
					controllable_rejects = excluded.controllable_rejects,
					uncontrollable_rejects = excluded.uncontrollable_rejects,
					pending_initial_approval = excluded.pending_initial_approval,
					pending_reject_approval = excluded.pending_reject_approval,
					vc_description = excluded.vc_description,
					detail_count = excluded.detail_count,
					order_by = excluded.order_by`,
				formatDate(sum.Date), sum.LocationCode, sum.Section, sum.Details,
				sum.PercentageDesc, sum.Issued, sum.InProcess, sum.NonViolations,
				sum.ControllableRejects, sum.UncontrollableRejects,
				sum.PendingInitialApproval, sum.PendingRejectApproval,
				sum.Description, sum.DetailCount, sum.OrderBy)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type FinancialEntry struct {
	JournalEntryNo       string
	LedgerPostingDate    time.Time
	AccountNo            string
	LegacyAccountNo      string
	Amount               decimal.Decimal
	SourceJournal        string
	TrxReference         string
	TrxDescription       string
	UserWhoPosted        string
	TrxNo                string
	VendorOrCustomerID   string
	VendorOrCustomerName string
	DocumentNo           string
	TrxSource            string
	AccountDescription   string
	AccountType          string
	AgencyOrCategory     string
}

func (s Store) UpsertFinancials(ctx context.Context, entries []FinancialEntry) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				insert into atves_financial
					(journal_entry_no, ledger_posting_date, account_no, legacy_account_no, amount,
					 source_journal, trx_reference, trx_description, user_who_posted, trx_no,
					 vendor_or_customer_id, vendor_or_customer_name, document_no, trx_source,
					 account_description, account_type, agency_or_category)
				values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				on conflict (journal_entry_no) do update set
					ledger_posting_date = excluded.ledger_posting_date,
					account_no = excluded.account_no,
					legacy_account_no = excluded.legacy_account_no,
					amount = excluded.amount,
					source_journal = excluded.source_journal,
					trx_reference = excluded.trx_reference,
					trx_description = excluded.trx_description,
					user_who_posted = excluded.user_who_posted,
					trx_no = excluded.trx_no,
					vendor_or_customer_id = excluded.vendor_or_customer_id,
					vendor_or_customer_name = excluded.vendor_or_customer_name,
					document_no = excluded.document_no,
					trx_source = excluded.trx_source,
					account_description = excluded.account_description,
					account_type = excluded.account_type,
					agency_or_category = excluded.agency_or_category`,
				e.JournalEntryNo, formatDate(e.LedgerPostingDate), e.AccountNo,
				e.LegacyAccountNo, e.Amount.String(), e.SourceJournal, e.TrxReference,
				e.TrxDescription, e.UserWhoPosted, e.TrxNo, e.VendorOrCustomerID,
				e.VendorOrCustomerName, e.DocumentNo, e.TrxSource,
				e.AccountDescription, e.AccountType, e.AgencyOrCategory)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

type TicketCamera struct {
	ID        int
	StartTime time.Time
	EndTime   time.Time
	Location  string
	Officer   string
	EquipType string
	Issued    int
	Rejected  int
}

func (s Store) UpsertTicketCameras(ctx context.Context, cameras []TicketCamera) error {
	return s.batch(ctx, func(tx *sql.Tx) error {
		for _, c := range cameras {
			_, err := tx.ExecContext(ctx, `
				insert into atves_ticket_cameras
					(id, start_time, end_time, location, officer, equip_type, issued, rejected)
				values (?, ?, ?, ?, ?, ?, ?, ?)
				on conflict (start_time, location) do update set
					id = excluded.id,
					end_time = excluded.end_time,
					officer = excluded.officer,
					equip_type = excluded.equip_type,
					issued = excluded.issued,
					rejected = excluded.rejected`,
				c.ID, formatDatetime(c.StartTime), formatDatetime(c.EndTime),
				c.Location, c.Officer, c.EquipType, c.Issued, c.Rejected)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Dataset names one fact table for coverage queries.
type Dataset int

const (
	DatasetTrafficCounts Dataset = iota
	DatasetViolations
	DatasetAmberTimeRejects
	DatasetApprovalDetails
	DatasetByLocation
	DatasetFinancial
	DatasetTicketCameras
)

var datasetDateColumns = map[Dataset][2]string{
	DatasetTrafficCounts:    {"atves_traffic_counts", "date"},
	DatasetViolations:       {"atves_violations", "date"},
	DatasetAmberTimeRejects: {"atves_amber_time_rejects", "violation_date"},
	DatasetApprovalDetails:  {"atves_approval_by_review_date_details", "review_datetime"},
	DatasetByLocation:       {"atves_by_location", "date"},
	DatasetFinancial:        {"atves_financial", "ledger_posting_date"},
	DatasetTicketCameras:    {"atves_ticket_cameras", "start_time"},
}

// DateRange reports the dates a dataset already covers; ok is false
// when the table is empty.
func (s Store) DateRange(ctx context.Context, dataset Dataset) (start, end time.Time, ok bool, err error) {
	names, found := datasetDateColumns[dataset]
	if !found {
		return time.Time{}, time.Time{}, false, fmt.Errorf("unknown dataset %d", dataset)
	}

	var rawMin, rawMax *string
	query := fmt.Sprintf("select min(%[2]s), max(%[2]s) from %[1]s", names[0], names[1])
	if err := s.db.QueryRowContext(ctx, query).Scan(&rawMin, &rawMax); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if rawMin == nil || rawMax == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	if start, err = parseDate(*rawMin, timezone.Location); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if end, err = parseDate(*rawMax, timezone.Location); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	return start, end, true, nil
}

// FactLocationCodes lists every distinct location code referenced by a
// fact table, for the audit that checks the camera table is complete.
func (s Store) FactLocationCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct cast(location_code as text) from atves_amber_time_rejects
		union
		select distinct cast(location_code as text) from atves_by_location
		union
		select distinct location_code from atves_traffic_counts
		union
		select distinct location_code from atves_violations
		order by 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// SpeedCameraCandidates lists the BAL-prefixed location codes seen in
// traffic counts that have no camera record yet.
func (s Store) SpeedCameraCandidates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct location_code from atves_traffic_counts
		where location_code like 'BAL%'
		  and location_code not in (select location_code from atves_cam_locations)
		order by location_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// FirstTrafficCountDate reports the earliest date a location code shows
// up in the traffic counts; ok is false when it never does.
func (s Store) FirstTrafficCountDate(ctx context.Context, locationCode string) (time.Time, bool, error) {
	var raw *string
	err := s.db.QueryRowContext(ctx,
		"select min(date) from atves_traffic_counts where location_code = ?",
		locationCode).Scan(&raw)
	if err != nil {
		return time.Time{}, false, err
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	date, err := parseDate(*raw, timezone.Location)
	if err != nil {
		return time.Time{}, false, err
	}
	return date, true, nil
}

// TicketCameraLocations lists the distinct free-text deployment
// locations, for the reconciliation audit.
func (s Store) TicketCameraLocations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"select distinct location from atves_ticket_cameras order by location")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []string
	for rows.Next() {
		var location string
		if err := rows.Scan(&location); err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return locations, rows.Err()
}

// batch runs fn in one transaction.
func (s Store) batch(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
