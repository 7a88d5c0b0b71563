// Package sqlite persists pipeline runs, their detections and tracklets
// in a SQLite database. The schema is embedded and applied with
// golang-migrate on Open.
//
// AttachAdminRoutes exposes the store on a tsweb debug mux: live SQL
// through tailsql and a chart of the latest run's tracklets.
package sqlite
